// Package testutils holds small helpers shared by package tests.
package testutils

import (
	"path/filepath"
	"testing"

	"github.com/openvault/wallet-engine/pkg/amount"
)

// TempDBPath returns a SQLite path inside a per-test temp directory. The
// directory (and the database with it) is removed when the test finishes.
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// MustParseBTC converts a decimal BTC string, failing the test on a
// malformed value.
func MustParseBTC(t *testing.T, s string) amount.Sat {
	t.Helper()
	v, err := amount.FromBTCString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}
