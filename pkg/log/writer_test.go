package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLineAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(dir, 1024, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteLine("web | started"))
	require.NoError(t, w.WriteLine("master | started"))

	raw, err := os.ReadFile(filepath.Join(dir, "server.log"))
	require.NoError(t, err)
	assert.Equal(t, "web | started\nmaster | started\n", string(raw))
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(dir, 32, false)
	require.NoError(t, err)
	defer w.Close()

	long := strings.Repeat("x", 24)
	require.NoError(t, w.WriteLine(long))
	require.NoError(t, w.WriteLine(long))

	rotated, err := os.ReadFile(filepath.Join(dir, "server.log.1"))
	require.NoError(t, err)
	assert.Equal(t, long+"\n", string(rotated))

	current, err := os.ReadFile(filepath.Join(dir, "server.log"))
	require.NoError(t, err)
	assert.Equal(t, long+"\n", string(current))
}

func TestReopenKeepsSize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(dir, 32, false)
	require.NoError(t, err)
	require.NoError(t, w.WriteLine(strings.Repeat("x", 24)))
	require.NoError(t, w.Close())

	// A fresh writer picks up the existing size and rotates accordingly.
	w, err = NewRotatingWriter(dir, 32, false)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.WriteLine(strings.Repeat("y", 24)))

	_, err = os.Stat(filepath.Join(dir, "server.log.1"))
	assert.NoError(t, err)
}
