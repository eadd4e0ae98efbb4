// Package harvest defines core types shared across the acquisition subsystems.
package harvest
