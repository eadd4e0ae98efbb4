// Package quality scores acquired content and decides whether it is usable.
package quality

import (
	"strings"
	"unicode"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Config holds the tunable acceptance thresholds. Everything here is
// configuration so per-content-type tuning never requires a redeploy.
type Config struct {
	// MinLength is the hard floor on content size in bytes.
	MinLength int `mapstructure:"min_length"`
	// MinPunctuationRatio is the minimum ratio of sentence-terminal
	// punctuation to rune count expected of real prose.
	MinPunctuationRatio float64 `mapstructure:"min_punctuation_ratio"`
	// AcceptThreshold is the default quality-score gate.
	AcceptThreshold float64 `mapstructure:"accept_threshold"`
	// HintThresholds overrides the gate per content hint.
	HintThresholds map[string]float64 `mapstructure:"hint_thresholds"`
	// ErrorMarkers are error-page bodies rejected as full-content matches.
	ErrorMarkers []string `mapstructure:"error_markers"`
}

// DefaultConfig returns the starting thresholds; real values are tuned per
// content type in deployment config.
func DefaultConfig() Config {
	return Config{
		MinLength:           300,
		MinPunctuationRatio: 0.004,
		AcceptThreshold:     0.5,
		ErrorMarkers: []string{
			"404",
			"not found",
			"page not found",
			"access denied",
			"forbidden",
			"error",
		},
	}
}

// Validator is a deterministic, side-effect-free content judge.
type Validator struct {
	cfg Config
}

// New builds a Validator, filling zero-valued knobs from DefaultConfig.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MinPunctuationRatio <= 0 {
		cfg.MinPunctuationRatio = def.MinPunctuationRatio
	}
	if cfg.AcceptThreshold <= 0 {
		cfg.AcceptThreshold = def.AcceptThreshold
	}
	if len(cfg.ErrorMarkers) == 0 {
		cfg.ErrorMarkers = def.ErrorMarkers
	}
	return &Validator{cfg: cfg}
}

// Validate scores content between 0 and 1 and applies the acceptance gate for
// the given hint. Hard failures (too short, error-page body, transcript
// without dialogue structure) reject regardless of score.
func (v *Validator) Validate(content []byte, hint harvest.ContentHint) (float64, bool) {
	text := string(content)

	if v.isErrorPage(text) {
		return 0, false
	}
	if len(content) < v.cfg.MinLength {
		return v.lengthScore(len(content)) * 0.25, false
	}

	punct := v.punctuationScore(text)
	score := 0.4*v.lengthScore(len(content)) +
		0.4*punct +
		0.2*structureScore(text, hint)

	// Below-minimum punctuation marks boilerplate or garbage, rejected
	// outright no matter what the other signals say.
	if punct < 1 {
		return score * 0.5, false
	}
	if hint == harvest.HintTranscript && !hasDialogueMarkers(text) {
		return score, false
	}

	return score, score >= v.threshold(hint)
}

func (v *Validator) threshold(hint harvest.ContentHint) float64 {
	if t, ok := v.cfg.HintThresholds[string(hint)]; ok && t > 0 {
		return t
	}
	return v.cfg.AcceptThreshold
}

// lengthScore saturates at four times the minimum so very long content does
// not dominate the other signals.
func (v *Validator) lengthScore(n int) float64 {
	full := 4 * v.cfg.MinLength
	if n >= full {
		return 1
	}
	return float64(n) / float64(full)
}

func (v *Validator) punctuationScore(text string) float64 {
	ratio := punctuationRatio(text)
	if ratio >= v.cfg.MinPunctuationRatio {
		return 1
	}
	return ratio / v.cfg.MinPunctuationRatio
}

// isErrorPage matches the whole body against known error markers. Partial
// matches are fine; real articles mention "404" too.
func (v *Validator) isErrorPage(text string) bool {
	collapsed := strings.ToLower(strings.Join(strings.Fields(text), " "))
	for _, marker := range v.cfg.ErrorMarkers {
		if collapsed == marker {
			return true
		}
	}
	return false
}

// punctuationRatio returns sentence-terminal punctuation per rune. Boilerplate
// and scraped navigation chrome score near zero here.
func punctuationRatio(text string) float64 {
	total := 0
	terminal := 0
	for _, r := range text {
		total++
		switch r {
		case '.', '!', '?':
			terminal++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(terminal) / float64(total)
}

// structureScore measures word shape for articles and dialogue density for
// transcripts.
func structureScore(text string, hint harvest.ContentHint) float64 {
	if hint == harvest.HintTranscript {
		if hasDialogueMarkers(text) {
			return 1
		}
		return 0
	}
	return wordlikeRatio(text)
}

// wordlikeRatio is the share of tokens shaped like words (2-15 runes).
// Character-by-character extraction garbage fails this.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := len([]rune(f))
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}

// hasDialogueMarkers looks for speaker-style structure: lines led by a short
// name followed by a colon, or bracketed timestamps.
func hasDialogueMarkers(text string) bool {
	marks := 0
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.Contains(line, "]") {
			marks++
		} else if idx := strings.IndexRune(line, ':'); idx > 0 && idx <= 40 {
			if isSpeakerLabel(line[:idx]) {
				marks++
			}
		}
		if marks >= 2 {
			return true
		}
	}
	return false
}

func isSpeakerLabel(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != ' ' && r != '.' && r != '-' {
			return false
		}
	}
	return len(s) > 0
}
