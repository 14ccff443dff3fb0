package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileJournal_RecordAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.journal")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		{SagaID: "saga-1", Kind: KindSagaStarted, Detail: "ORDER_FULFILLMENT", At: at},
		{SagaID: "saga-1", Kind: KindStepCompleted, Step: "reserve_inventory", At: at.Add(time.Second)},
		{SagaID: "saga-1", Kind: KindSagaCompleted, At: at.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := j.Record(context.Background(), e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	var got []Entry
	err = ReplayFile(path, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d: expected %+v, got %+v", i, entries[i], got[i])
		}
	}
}

func TestReplay_SkipsTruncatedLine(t *testing.T) {
	data := `{"saga_id":"saga-1","kind":"SAGA_STARTED","at":"2026-03-01T09:00:00Z"}
{"saga_id":"saga-1","kind":"STEP_COMP`

	var got []Entry
	err := Replay(strings.NewReader(data), func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the truncated line to be skipped, got %d entries", len(got))
	}
	if got[0].Kind != KindSagaStarted {
		t.Fatalf("unexpected entry: %+v", got[0])
	}
}

func TestReplayFile_MissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.journal")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("precondition failed: %v", err)
	}

	err := ReplayFile(path, func(Entry) error {
		t.Fatal("unexpected entry")
		return nil
	})
	if err != nil {
		t.Fatalf("expected missing file to replay as empty, got %v", err)
	}
}
