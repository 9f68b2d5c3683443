package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Format selects how a FileSink renders each event line.
type Format int

const (
	FormatPlain Format = iota
	FormatJSON
)

// DefaultMaxFileSize rotates the sink's file once it grows past this size.
const DefaultMaxFileSize = 10 * 1024 * 1024

// FileSink writes events to a rotating log file. Rotation is size-based:
// once the current file reaches maxSize bytes, it is renamed with a
// numeric suffix and a fresh file is opened.
type FileSink struct {
	mu      sync.Mutex
	path    string
	format  Format
	maxSize int64
	file    *os.File
	writer  *bufio.Writer
	size    int64
}

// NewFileSink opens (creating if needed) a FileSink at path.
func NewFileSink(path string, format Format, maxSize int64) (*FileSink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("events: creating sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: opening sink file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("events: stat sink file: %w", err)
	}
	return &FileSink{
		path:    path,
		format:  format,
		maxSize: maxSize,
		file:    f,
		writer:  bufio.NewWriter(f),
		size:    info.Size(),
	}, nil
}

// Write implements Sink.
func (s *FileSink) Write(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := s.render(ev)
	n, err := s.writer.WriteString(line)
	if err == nil {
		err = s.writer.Flush()
	}
	if err != nil {
		return
	}
	s.size += int64(n)

	if s.size >= s.maxSize {
		s.rotate()
	}
}

func (s *FileSink) render(ev Event) string {
	switch s.format {
	case FormatJSON:
		b, err := json.Marshal(ev)
		if err != nil {
			return ""
		}
		return string(b) + "\n"
	default:
		return fmt.Sprintf("%s kind=%s thread=%s agent=%s\n", ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Kind, ev.ThreadID, ev.AgentDID)
	}
}

func (s *FileSink) rotate() {
	s.writer.Flush()
	s.file.Close()

	rotated := s.path + ".1"
	_ = os.Rename(s.path, rotated)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.size = 0
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	return s.file.Close()
}

// ConsoleSink writes events to an io.Writer (typically os.Stdout), with no
// rotation.
type ConsoleSink struct {
	mu     sync.Mutex
	out    *bufio.Writer
	format Format
}

// NewConsoleSink wraps f (e.g. os.Stdout) as a Sink.
func NewConsoleSink(f *os.File, format Format) *ConsoleSink {
	return &ConsoleSink{out: bufio.NewWriter(f), format: format}
}

// Write implements Sink.
func (s *ConsoleSink) Write(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.format {
	case FormatJSON:
		b, err := json.Marshal(ev)
		if err == nil {
			s.out.Write(b)
			s.out.WriteByte('\n')
		}
	default:
		fmt.Fprintf(s.out, "%s kind=%s thread=%s agent=%s\n", ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Kind, ev.ThreadID, ev.AgentDID)
	}
	s.out.Flush()
}
