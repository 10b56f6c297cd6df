// Package jsonl implements the append-only newline-delimited JSON files that
// back the durable stores (events, audit entries, conversations, projections).
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds a single record. Conversation entries can carry large
// tool outputs, so this is deliberately generous.
const maxLineBytes = 16 * 1024 * 1024

// File is an append-only newline-delimited JSON file. Appends are serialized
// and fsynced before returning so a crash never loses an acknowledged record.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if needed) an append-only JSONL file at path.
// Parent directories are created.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Path returns the file path.
func (w *File) Path() string { return w.path }

// Append marshals v and appends it as a single line.
func (w *File) Append(v any) error {
	return w.AppendBatch([]any{v})
}

// AppendBatch marshals all values and writes them in one syscall followed by
// one fsync. Either every record is durable or, on error, the caller must
// treat the whole batch as unwritten.
func (w *File) AppendBatch(vs []any) error {
	var buf bytes.Buffer
	for _, v := range vs {
		line, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (w *File) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Scan reads every line of the file at path, calling fn with the raw bytes.
// A missing file is not an error (the store simply starts empty).
func Scan(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

// ScanInto decodes every line of the file at path into T and calls fn.
func ScanInto[T any](path string, fn func(rec T) error) error {
	return Scan(path, func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}
