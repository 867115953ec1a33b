package events

import (
	"testing"

	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/vfs"
)

func TestBusFansOut(t *testing.T) {
	b := NewBus("/sync/root")

	var first, second []Event
	b.Subscribe(func(ev Event) { first = append(first, ev) })
	b.Subscribe(func(ev Event) { second = append(second, ev) })

	b.SyncStarted()
	b.ItemCompleted(&item.SyncFileItem{Path: "a.txt", Status: item.StatusSuccess})
	b.Progress(TransmissionProgress{CompletedItems: 1, TotalItems: 2})
	b.NewBigFolder("big")
	b.FileStatusChanged("a.txt", vfs.FileStatusOK)
	b.SyncFinished(SyncResultSummary{Success: true, ItemsSynced: 1})

	if len(first) != 6 || len(second) != 6 {
		t.Fatalf("deliveries = %d/%d, want 6/6", len(first), len(second))
	}

	for _, ev := range first {
		if ev.Root != "/sync/root" {
			t.Errorf("event root = %q", ev.Root)
		}
	}
	if first[1].ItemCompleted == nil || first[1].ItemCompleted.Path != "a.txt" {
		t.Errorf("item event = %+v", first[1])
	}
	if first[3].NewBigFolder == nil || *first[3].NewBigFolder != "big" {
		t.Errorf("big folder event = %+v", first[3])
	}
	if first[5].SyncFinished == nil || !first[5].SyncFinished.Success {
		t.Errorf("finished event = %+v", first[5])
	}
}

func TestSubscribeDuringPublishIsSafe(t *testing.T) {
	b := NewBus("r")
	b.Subscribe(func(ev Event) {
		if ev.SyncStarted != nil {
			b.Subscribe(func(Event) {})
		}
	})
	b.SyncStarted()
	b.SyncStarted()
}
