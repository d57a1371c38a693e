package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJsonReadJson(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	type state struct {
		Name  string
		Count int
	}

	require.NoError(t, WriteJson(context.Background(), path, &state{Name: "a", Count: 3}))

	var got state
	_, err := ReadJson(path, &got)
	require.NoError(t, err)
	assert.Equal(t, state{Name: "a", Count: 3}, got)
}

func TestWriteBytesAtomic_Cancelled(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WriteBytesAtomic(ctx, target, dir, "out.bin", []byte("data"))
	require.Error(t, err)

	// no partial or temp file left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteBytesAtomic_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0640))

	require.NoError(t, WriteBytesAtomic(context.Background(), target, dir, "out.bin", []byte("new")))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestCopyFileAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0640))

	require.NoError(t, CopyFileAtomic(context.Background(), src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	assert.False(t, FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0640))
	assert.True(t, FileExists(path))
}
