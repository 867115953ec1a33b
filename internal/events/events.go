// Package events is the in-process bus a sync root publishes on. UI and
// socket collaborators subscribe; handlers run synchronously on the
// publisher's goroutine, so a slow listener delays the engine.
package events

import (
	"sync"

	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/vfs"
)

// TransmissionProgress is a point-in-time transfer snapshot for one run.
type TransmissionProgress struct {
	CompletedItems int
	TotalItems     int
	CompletedBytes int64
	TotalBytes     int64
	CurrentPath    string
}

// SyncResultSummary is the run outcome carried by SyncFinished.
type SyncResultSummary struct {
	Success       bool
	ItemsSynced   int
	ItemsFailed   int
	FirstError    string
	AnotherSyncNeeded bool
}

// Event is one bus message. Exactly one pointer field is set.
type Event struct {
	Root string

	SyncStarted          *struct{}
	ItemCompleted        *item.SyncFileItem
	TransmissionProgress *TransmissionProgress
	NewBigFolder         *string
	SyncFinished         *SyncResultSummary
	FileStatusChanged    *FileStatusChange
}

// FileStatusChange reports an overlay-status transition for one path.
type FileStatusChange struct {
	Path   string
	Status vfs.FileStatus
}

// Handler consumes events. Handlers run on the publisher's goroutine and must
// return quickly.
type Handler func(Event)

// Bus is a per-root publish/subscribe fan-out.
type Bus struct {
	root string

	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates the bus for a root.
func NewBus(root string) *Bus {
	return &Bus{root: root}
}

// Subscribe registers a handler for all events of this root.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) publish(ev Event) {
	ev.Root = b.root
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// SyncStarted announces the start of a run.
func (b *Bus) SyncStarted() {
	b.publish(Event{SyncStarted: &struct{}{}})
}

// ItemCompleted announces one finished item.
func (b *Bus) ItemCompleted(it *item.SyncFileItem) {
	b.publish(Event{ItemCompleted: it})
}

// Progress announces transfer progress.
func (b *Bus) Progress(p TransmissionProgress) {
	b.publish(Event{TransmissionProgress: &p})
}

// NewBigFolder asks the user to confirm a large new remote directory.
func (b *Bus) NewBigFolder(path string) {
	b.publish(Event{NewBigFolder: &path})
}

// SyncFinished announces the end of a run.
func (b *Bus) SyncFinished(summary SyncResultSummary) {
	b.publish(Event{SyncFinished: &summary})
}

// FileStatusChanged announces an overlay status transition.
func (b *Bus) FileStatusChanged(path string, status vfs.FileStatus) {
	b.publish(Event{FileStatusChanged: &FileStatusChange{Path: path, Status: status}})
}
