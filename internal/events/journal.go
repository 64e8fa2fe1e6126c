// v2
// internal/events/journal.go
package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// Journal is an append-only JSONL event log on disk. Records are never
// rewritten; the file is scanned once at open to count and sanity-check
// existing entries.
type Journal struct {
	mu     sync.Mutex
	path   string
	lg     *slog.Logger
	file   *os.File
	writer *bufio.Writer
	count  int64
}

func NewJournal(path string, lg *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j := &Journal{path: path, lg: lg, file: f, writer: bufio.NewWriter(f)}
	if err := j.load(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	if _, err := j.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(j.file)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("journal %s line %d: %w", j.path, line, err)
		}
		j.count++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	j.lg.Info("journal loaded", "path", j.path, "records", j.count)
	return nil
}

// Record appends one event and flushes it to the file.
func (j *Journal) Record(_ context.Context, ev model.Event) error {
	ev = Stamp(ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.writer.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	j.count++
	return nil
}

// Count reports the number of records written or loaded so far.
func (j *Journal) Count() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}
