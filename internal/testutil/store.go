// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vburojevic/rtckeep/internal/state"
	"github.com/vburojevic/rtckeep/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewStore opens a fresh database under t.TempDir.
func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "rtckeep-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, ctx
}

// NewRepository returns a repository over a fresh store.
func NewRepository(t *testing.T) (*state.Repository, context.Context) {
	t.Helper()
	s, ctx := NewStore(t)
	return state.NewRepository(s), ctx
}

// Logger returns a logger that writes through t.Log.
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
}
