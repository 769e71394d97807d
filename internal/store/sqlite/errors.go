package sqlite

import "strings"

// isUniqueViolation detects UNIQUE constraint failures without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
