package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".log"
	dayFormat  = "2006-01-02"
)

// FileLogger appends one JSON line per event to a log file rotated per
// calendar day. Queries stream candidate files line-by-line so memory stays
// bounded under large log volumes.
type FileLogger struct {
	dir string

	mu      sync.Mutex
	current *os.File
	day     string
}

// NewFileLogger creates the log directory if needed.
func NewFileLogger(dir string) (*FileLogger, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: log directory not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	return &FileLogger{dir: dir}, nil
}

func dayFile(dir, day string) string {
	return filepath.Join(dir, filePrefix+day+fileSuffix)
}

// Log appends the event to today's file, rotating at the day boundary.
func (l *FileLogger) Log(ctx context.Context, event Event) error {
	stamp(&event)
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}

	day := event.Timestamp.UTC().Format(dayFormat)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil || l.day != day {
		if l.current != nil {
			_ = l.current.Close()
		}
		f, err := os.OpenFile(dayFile(l.dir, day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("audit: open log file: %w", err)
		}
		l.current = f
		l.day = day
	}

	if _, err := l.current.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	return nil
}

// candidateFiles returns day files overlapping the filter range, newest day
// first so scanning can stop early.
func (l *FileLogger) candidateFiles(filter Filter) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("audit: read log dir: %w", err)
	}
	var days []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		when, err := time.Parse(dayFormat, day)
		if err != nil {
			continue
		}
		if !filter.From.IsZero() && when.Before(filter.From.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !filter.To.IsZero() && when.After(filter.To) {
			continue
		}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	files := make([]string, len(days))
	for i, day := range days {
		files[i] = dayFile(l.dir, day)
	}
	return files, nil
}

// Query streams matching events newest-first. Files are scanned newest-day
// first; within a buffered superset of offset+limit matches the final order
// is fixed by a timestamp sort before truncation. Malformed lines are
// skipped, not fatal.
func (l *FileLogger) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	files, err := l.candidateFiles(filter)
	if err != nil {
		return nil, err
	}

	// Superset bound: a day file is read whole (its internal order is oldest
	// first), so collection stops only between files.
	want := filter.limit() + filter.Offset

	var buffered []*Event
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches, err := scanFile(path, filter)
		if err != nil {
			return nil, err
		}
		buffered = append(buffered, matches...)
		if len(buffered) >= want {
			break
		}
	}

	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].Timestamp.After(buffered[j].Timestamp)
	})

	if filter.Offset >= len(buffered) {
		return []*Event{}, nil
	}
	buffered = buffered[filter.Offset:]
	if len(buffered) > filter.limit() {
		buffered = buffered[:filter.limit()]
	}
	return buffered, nil
}

func scanFile(path string, filter Filter) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var matches []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if filter.matches(&event) {
			matches = append(matches, &event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", filepath.Base(path), err)
	}
	return matches, nil
}

// Close closes the current day file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	return err
}

var _ Logger = (*FileLogger)(nil)
