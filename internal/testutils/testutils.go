// Package testutils provides helpers shared by tests.
package testutils

import (
	"fmt"
	"testing"
)

// AssertError checks err against the expectation and returns a failure
// message, or an empty string if the expectation is met.
func AssertError(tb testing.TB, err error, expectError bool) string {
	tb.Helper()

	switch {
	case expectError && err == nil:
		return "expected an error, got nil"
	case !expectError && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	}

	return ""
}
