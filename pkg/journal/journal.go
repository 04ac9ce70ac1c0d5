package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/icza/backscanner"
	"github.com/otiai10/copy"
	"github.com/rs/zerolog"
)

// Journal is an append-only file of lock events, one JSON object per line.
// It is a diagnostic record and is never replayed.
type Journal struct {
	path string
	file *os.File   // The journal file, opened for appending.
	mtx  sync.Mutex // Serializes writes so that lines never interleave.
}

// Event is one journal line, as written by a locker's event logger.
type Event struct {
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Event    string    `json:"event"`
	Client   string    `json:"client"`
	Locker   uint64    `json:"locker"`
	Resource string    `json:"resource"`
	Mode     string    `json:"mode,omitempty"`
	Message  string    `json:"message"`
}

// ArchivePath returns where Open moves the previous journal at path.
func ArchivePath(path string) string {
	return path + ".1"
}

// Open starts a fresh journal at path. An existing journal is first copied to
// ArchivePath(path), replacing an older archive.
func Open(path string) (*Journal, error) {
	if _, err := os.Stat(path); err == nil {
		if err := copy.Copy(path, ArchivePath(path)); err != nil {
			return nil, fmt.Errorf("archive journal: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, file: file}, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Write appends p, which must hold whole lines.
func (j *Journal) Write(p []byte) (int, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	return j.file.Write(p)
}

// Logger returns a logger whose events go to the journal.
func (j *Journal) Logger() zerolog.Logger {
	return zerolog.New(j).With().Timestamp().Logger()
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Tail returns the last n events of the journal at path, oldest first. Lines
// that do not parse as events are skipped.
func Tail(path string, n int) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	fstats, err := file.Stat()
	if err != nil {
		return nil, err
	}

	scanner := backscanner.New(file, int(fstats.Size()))
	events := make([]Event, 0, n)
	for len(events) < n {
		line, _, err := scanner.LineBytes()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	slices.Reverse(events)
	return events, nil
}
