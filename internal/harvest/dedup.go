package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are query parameters added by analytics tooling. They never
// change which document a URI points at, so they are dropped before
// fingerprinting.
var trackingParams = map[string]bool{
	"fbclid":     true,
	"gclid":      true,
	"mc_cid":     true,
	"mc_eid":     true,
	"msclkid":    true,
	"ref":        true,
	"igshid":     true,
	"_hsenc":     true,
	"_hsmi":      true,
	"oly_enc_id": true,
}

func isTrackingParam(key string) bool {
	return trackingParams[key] || strings.HasPrefix(key, "utm_")
}

// NormalizeURI standardizes a source URI so equivalent spellings collapse to
// one dedup fingerprint. It lowercases the scheme and host, strips default
// ports, fragments, and tracking query parameters, sorts the remaining query
// parameters, and trims a trailing slash on the path.
func NormalizeURI(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("uri %q missing scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	query := u.Query()
	for key := range query {
		if isTrackingParam(key) {
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// DedupKey derives the stable fingerprint for a source URI.
func DedupKey(sourceURI string) (string, error) {
	normalized, err := NormalizeURI(sourceURI)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// NewRequest builds an immutable AcquisitionRequest with its derived dedup
// key. The caller supplies creation time so clocks stay injectable.
func NewRequest(sourceURI string, hint ContentHint, priority int, clock Clock) (AcquisitionRequest, error) {
	key, err := DedupKey(sourceURI)
	if err != nil {
		return AcquisitionRequest{}, err
	}
	switch hint {
	case HintArticle, HintTranscript, HintMedia:
	default:
		return AcquisitionRequest{}, fmt.Errorf("unknown content hint %q", hint)
	}
	return AcquisitionRequest{
		SourceURI:   sourceURI,
		ContentHint: hint,
		Priority:    priority,
		DedupKey:    key,
		CreatedAt:   clock.Now(),
	}, nil
}
