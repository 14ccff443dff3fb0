package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindSagaStarted           Kind = "SAGA_STARTED"
	KindSagaCompleted         Kind = "SAGA_COMPLETED"
	KindSagaCompensated       Kind = "SAGA_COMPENSATED"
	KindSagaFailed            Kind = "SAGA_FAILED"
	KindSagaTimedOut          Kind = "SAGA_TIMED_OUT"
	KindStepCompleted         Kind = "STEP_COMPLETED"
	KindStepFailed            Kind = "STEP_FAILED"
	KindCancelRequested       Kind = "CANCEL_REQUESTED"
	KindRetryRequested        Kind = "RETRY_REQUESTED"
	KindCompensationRequested Kind = "COMPENSATION_REQUESTED"
	KindCompensationApplied   Kind = "COMPENSATION_APPLIED"
	KindCompensationFailed    Kind = "COMPENSATION_FAILED"
)

// Entry is one audit record: a saga transition with its moment and an
// optional step name and free-form detail.
type Entry struct {
	SagaID string    `json:"saga_id"`
	Kind   Kind      `json:"kind"`
	Step   string    `json:"step,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// FileJournal appends serialized entries to a file, one JSON object per
// line, fsynced on every write.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileJournal constructs a FileJournal targeting the given path.
func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

// Record appends the entry to the journal file.
func (j *FileJournal) Record(_ context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}

	return j.f.Sync()
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Replay reads entries back in write order, invoking fn for each. A
// trailing truncated line from an interrupted write is skipped.
func Replay(r io.Reader, fn func(Entry) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReplayFile replays the journal at path. A missing file is not an error;
// it just means nothing was recorded yet.
func ReplayFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return Replay(f, fn)
}
