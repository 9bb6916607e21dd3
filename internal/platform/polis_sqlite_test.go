//go:build sqlite

package platform

import (
	"context"
	"path/filepath"
	"testing"

	"qroute/internal/storage"
)

func TestRunSessionPersistsPartialRunToSQLite(t *testing.T) {
	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "qroute.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})
	p := NewPolis(Config{Store: store})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init polis: %v", err)
	}
	assertPartialRunPersisted(t, p)
}
