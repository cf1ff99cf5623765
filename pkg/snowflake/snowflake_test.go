package snowflake

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var prev int64
	for i := 0; i < 1000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if id <= prev {
			t.Fatalf("expected strictly increasing IDs, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestParseRoundTrip(t *testing.T) {
	g, err := New(42)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := g.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ts, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("expected workerID=42, got %d", workerID)
	}
	if got := Time(id); got.After(time.Now().Add(time.Second)) || time.UnixMilli(ts) != got {
		t.Fatalf("unexpected timestamp %v", got)
	}
}

func TestNextIDWithoutInit(t *testing.T) {
	defaultGenerator = nil
	if _, err := NextID(); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := Init(1); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := NextID(); err != nil {
		t.Fatalf("next id after init: %v", err)
	}
}
