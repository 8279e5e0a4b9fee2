package profiling_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/heartsync/callsig/pkg/profiling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilesAreWritten(t *testing.T) {
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.pprof")
	heap := filepath.Join(dir, "heap.pprof")

	stop, err := profiling.StartCPUProfile(cpu)
	require.NoError(t, err)
	stop()

	profiling.HeapProfileWriter(heap)()

	for _, path := range []string{cpu, heap} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, info.Size(), path)
	}
}

func TestCPUProfileInMissingDirectory(t *testing.T) {
	_, err := profiling.StartCPUProfile(filepath.Join(t.TempDir(), "missing", "cpu.pprof"))
	assert.Error(t, err)
}
