// Package heartbeat implements the worker liveness files kept in
// worker_tmp_dir. The worker touches its file; the arbiter reads its mtime.
package heartbeat

import (
	"fmt"
	"os"
	"time"
)

// File is one worker's heartbeat file.
type File struct {
	path string
}

// Create makes a new heartbeat file in dir (the system temp dir when empty).
func Create(dir, prefix string) (*File, error) {
	f, err := os.CreateTemp(dir, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("create heartbeat file in %q: %w", dir, err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &File{path: f.Name()}, nil
}

// Open wraps an existing heartbeat file, as handed to a worker.
func Open(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Touch records a heartbeat.
func (f *File) Touch(now time.Time) error {
	return os.Chtimes(f.path, now, now)
}

// LastBeat returns the time of the last heartbeat.
func (f *File) LastBeat() (time.Time, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Age is how long ago the last heartbeat happened.
func (f *File) Age(now time.Time) (time.Duration, error) {
	last, err := f.LastBeat()
	if err != nil {
		return 0, err
	}
	return now.Sub(last), nil
}

// Remove deletes the file. A missing file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
