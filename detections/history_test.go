package detections

import (
	"fmt"
	"testing"
	"time"

	"sonic-sentinel/models"
)

func event(i int) models.DetectionEvent {
	return models.DetectionEvent{
		ID:        fmt.Sprintf("ev-%d", i),
		Band:      models.BandA,
		Timestamp: time.Unix(int64(i), 0),
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	h := NewHistory(10)
	for i := 0; i < 3; i++ {
		h.Append(event(i))
	}
	got := h.Snapshot()
	if len(got) != 3 || got[0].ID != "ev-2" || got[2].ID != "ev-0" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	t.Parallel()

	h := NewHistory(5)
	for i := 0; i < 8; i++ {
		h.Append(event(i))
	}
	got := h.Snapshot()
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].ID != "ev-7" || got[4].ID != "ev-3" {
		t.Fatalf("wrong entries kept: first=%s last=%s", got[0].ID, got[4].ID)
	}
}

func TestHistorySnapshotIsACopy(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	if h.Capacity() != DefaultCapacity {
		t.Fatalf("capacity = %d, want %d", h.Capacity(), DefaultCapacity)
	}
	h.Append(event(1))
	snap := h.Snapshot()
	snap[0].ID = "changed"
	if h.Snapshot()[0].ID != "ev-1" {
		t.Fatalf("snapshot shares storage with the history")
	}
}

func TestHistoryClearAndSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	var seen []string
	h.Subscribe(func(e models.DetectionEvent) { seen = append(seen, e.ID) })

	h.Append(event(1))
	h.Append(event(2))
	h.Clear()
	if h.Len() != 0 {
		t.Fatalf("history not cleared")
	}
	h.Append(event(3))
	if len(seen) != 3 || seen[2] != "ev-3" {
		t.Fatalf("subscriber saw %v", seen)
	}
}
