package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dev.forensix.extract-engine/internal/core/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	t.Run("Duplicate Registration Is Rejected", func(t *testing.T) {
		err := r.Register(FileStatName, NewFileStat())
		require.ErrorIs(t, err, domain.ErrDuplicateRegistration)
	})

	t.Run("Lookup", func(t *testing.T) {
		ext, err := r.Get(FileStatName)
		require.NoError(t, err)
		require.NotNil(t, ext)

		_, err = r.Get("pe")
		require.ErrorIs(t, err, domain.ErrNotRegistered)
	})

	t.Run("Names Are Sorted", func(t *testing.T) {
		require.NoError(t, r.Register("zeta", NewFileStat()))
		require.NoError(t, r.Register("alpha", NewFileStat()))
		require.Equal(t, []string{"alpha", FileStatName, "zeta"}, r.Names())
	})

	t.Run("Deregister", func(t *testing.T) {
		require.NoError(t, r.Deregister("zeta"))
		require.ErrorIs(t, r.Deregister("zeta"), domain.ErrNotRegistered)
	})

	t.Run("Empty Name Is Rejected", func(t *testing.T) {
		require.Error(t, r.Register("", NewFileStat()))
	})
}

func TestFileStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	ext := NewFileStat()

	events, err := ext.Process(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, path, events[0].Source)
	require.Equal(t, "7", events[0].Attributes["size"])
	require.False(t, events[0].Timestamp.IsZero())

	_, err = ext.Process(context.Background(), filepath.Join(dir, "missing"))
	require.Error(t, err)
}
