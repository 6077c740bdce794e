//go:build linux

package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMeminfo(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(body), 0o644))
	return dir
}

func TestMeminfoUsesMemAvailable(t *testing.T) {
	t.Parallel()
	dir := writeMeminfo(t, `MemTotal:       16318480 kB
MemFree:          412344 kB
MemAvailable:    9876544 kB
Buffers:          123456 kB
Cached:          8765432 kB
`)
	mem, err := meminfo(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(16318480*1024), mem.Total)
	// Reclaimable page cache counts, so this exceeds MemFree+Buffers.
	assert.Equal(t, uint64(9876544*1024), mem.Available)
}

func TestMeminfoWithoutMemAvailable(t *testing.T) {
	t.Parallel()
	dir := writeMeminfo(t, "MemTotal: 100 kB\nMemFree: 50 kB\n")
	_, err := meminfo(dir)
	require.ErrorIs(t, err, ErrMemoryUnknown)

	_, err = meminfo(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
