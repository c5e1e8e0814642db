// Package utils provides small shared helpers used across veilmesh's
// ambient stack (config loading, CLI, facade) — not the core protocol
// error taxonomy, which lives in core.Kind/core.Error.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
