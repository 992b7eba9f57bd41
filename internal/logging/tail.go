package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FollowBacklog is how many trailing lines Follow prints before it
// starts streaming appended data.
const FollowBacklog = 10

// Tail writes the last n lines of the file at path to w.
func Tail(w io.Writer, path string, n int) error {
	lines, err := lastLines(path, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}

// Follow prints the trailing lines of the file and then streams every
// append to w until ctx is cancelled. Rotation is handled by reopening
// the path when a fresh file appears under the same name.
func Follow(ctx context.Context, w io.Writer, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	if err := Tail(w, abs, FollowBacklog); err != nil {
		return err
	}

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("cannot open log file: %s: %w", abs, err)
	}
	defer func() { f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: a watch on the file itself is lost when
	// rotation renames it away.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != abs {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// Rotated: a new file took the old name.
				f.Close()
				nf, err := os.Open(abs)
				if err != nil {
					continue
				}
				f = nf
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if _, err := io.Copy(w, f); err != nil {
					return err
				}
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return werr
		}
	}
}

// FollowPoll is a fallback for filesystems without change
// notification. It polls for appended data at the given interval.
func FollowPoll(ctx context.Context, w io.Writer, path string, interval time.Duration) error {
	if err := Tail(w, path, FollowBacklog); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open log file: %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.Copy(w, f); err != nil {
				return err
			}
		}
	}
}

// lastLines reads up to n trailing lines of the file by scanning
// backwards in chunks, so large rotated logs are never fully loaded.
func lastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 || n <= 0 {
		return nil, nil
	}

	const chunk = 8192
	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(chunk)
		if step > offset {
			step = offset
		}
		offset -= step
		part := make([]byte, step)
		if _, err := f.ReadAt(part, offset); err != nil {
			return nil, err
		}
		buf = append(part, buf...)
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
