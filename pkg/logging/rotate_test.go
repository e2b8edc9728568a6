package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyFileRotates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	d, err := NewDailyFile(dir)
	require.NoError(t, err)
	defer d.Close()

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d.now = func() time.Time { return day }

	_, err = d.Write([]byte("first\n"))
	require.NoError(t, err)
	firstPath := d.Path()
	assert.Equal(t, filepath.Join(dir, "missionctl-2026-03-01.log"), firstPath)

	day = day.Add(2 * time.Minute)
	_, err = d.Write([]byte("second\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "missionctl-2026-03-02.log"), d.Path())

	data, err := os.ReadFile(firstPath)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))

	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDailyFileBacksLogger(t *testing.T) {
	d, err := NewDailyFile(t.TempDir())
	require.NoError(t, err)

	logger := New(Options{Level: "info", Output: d})
	logger.Info("mission started", "mission_id", "m-1")
	require.NoError(t, d.Close())

	data, err := os.ReadFile(d.Path())
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"mission_id":"m-1"`))

	_, err = d.Write([]byte("after close\n"))
	require.NoError(t, err, "writes after Close reopen the file")
	require.NoError(t, d.Close())
}
