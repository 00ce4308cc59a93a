package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilename is the lifecycle log inside the events directory.
const DefaultFilename = "events.jsonl"

// FileSink appends events to dir/events.jsonl, one JSON object per line.
// When MaxBytes is set the log is rotated to events.jsonl.1 before a write
// would exceed it. It is safe for concurrent use.
type FileSink struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
	buf      bytes.Buffer
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// WithMaxBytes enables rotation once the log reaches n bytes.
func WithMaxBytes(n int64) FileSinkOption {
	return func(s *FileSink) { s.maxBytes = n }
}

// NewFileSink creates dir if needed and opens the log in append mode.
func NewFileSink(dir string, opts ...FileSinkOption) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	s := &FileSink{path: filepath.Join(dir, DefaultFilename)}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	// Results may carry user data.
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat events file: %w", err)
	}
	s.file, s.size = f, info.Size()
	return nil
}

func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close events file for rotation: %w", err)
	}
	s.file = nil
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate events file: %w", err)
	}
	return s.open()
}

// Write encodes the batch and appends it with a single write call.
func (s *FileSink) Write(batch []Event) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("events file %s is closed", s.path)
	}

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
	}

	if s.maxBytes > 0 && s.size > 0 && s.size+int64(s.buf.Len()) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(s.buf.Bytes())
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return nil
}

// Close closes the log. Closing twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close events file: %w", err)
	}
	return nil
}

// Path returns the active log path.
func (s *FileSink) Path() string {
	return s.path
}

// ReadEvents reads every event from a JSONL file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	err = DecodeEvents(f, func(e Event) error {
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeEvents calls fn for each event in r. Blank lines are skipped. A final
// line without a trailing newline that fails to parse is treated as a torn
// write and ignored; any other malformed line is an error.
func DecodeEvents(r io.Reader, fn func(Event) error) error {
	br := bufio.NewReader(r)
	for lineNum := 1; ; lineNum++ {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read events: %w", err)
		}
		eof := err != nil

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var e Event
			if jerr := json.Unmarshal(trimmed, &e); jerr != nil {
				if eof {
					return nil
				}
				return fmt.Errorf("failed to parse event on line %d: %w", lineNum, jerr)
			}
			if ferr := fn(e); ferr != nil {
				return ferr
			}
		}
		if eof {
			return nil
		}
	}
}
