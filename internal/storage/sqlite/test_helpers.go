package sqlite

import (
	"path/filepath"
	"testing"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open guard: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}
