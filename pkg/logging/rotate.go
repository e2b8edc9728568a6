package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFile is an io.Writer appending to dir/missionctl-YYYY-MM-DD.log and
// switching files when the day changes.
type DailyFile struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	file    *os.File
	path    string
	lastDay string
}

// NewDailyFile creates dir if needed and opens today's file.
func NewDailyFile(dir string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	d := &DailyFile{dir: dir, now: time.Now}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.rotateLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// Write appends p to the current day's file. slog handlers write one record
// per call, so records never straddle two files.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.now().Format("2006-01-02") != d.lastDay || d.file == nil {
		if err := d.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

// Path returns the current log file path.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Close closes the current file. A later Write reopens it.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *DailyFile) rotateLocked() error {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}

	today := d.now().Format("2006-01-02")
	path := filepath.Join(d.dir, "missionctl-"+today+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	d.file = file
	d.path = path
	d.lastDay = today
	return nil
}
