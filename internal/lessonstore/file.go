package lessonstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var _ Store = (*FileStore)(nil)

// FileStore persists lessons as append-only JSON lines in a local file. A
// later line for the same recording replaces the earlier one. The file is
// read once on open and served from memory afterwards.
type FileStore struct {
	mu    sync.Mutex
	path  string
	index *MemStore
}

// NewFileStore opens the store at path, creating the file if needed, and
// loads every lesson already in it. A truncated last line (from a crash
// mid-write) is skipped.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, index: NewMemStore()}

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lessonstore: open file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var res Result
			if jerr := json.Unmarshal(line, &res); jerr != nil {
				slog.Warn("lessonstore: skipping unreadable line", "path", path, "line", lineNo, "err", jerr)
			} else if serr := fs.index.Save(context.Background(), res); serr != nil {
				slog.Warn("lessonstore: skipping invalid lesson", "path", path, "line", lineNo, "err", serr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lessonstore: read file: %w", err)
		}
	}
	return fs, nil
}

// Save implements [Store].
func (fs *FileStore) Save(ctx context.Context, r Result) error {
	if r.RecordingID == "" {
		return fmt.Errorf("lessonstore: save: empty recording id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("lessonstore: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("lessonstore: open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("lessonstore: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("lessonstore: close file: %w", err)
	}
	return fs.index.Save(ctx, r)
}

// Get implements [Store].
func (fs *FileStore) Get(ctx context.Context, id string) (Result, error) {
	return fs.index.Get(ctx, id)
}

// List implements [Store].
func (fs *FileStore) List(ctx context.Context, opts ListOptions) ([]Result, error) {
	return fs.index.List(ctx, opts)
}
