package vfs

import "context"

// Off is the no-virtual-files strategy: everything remote is fully hydrated
// locally, placeholders do not exist and pin states are inert.
type Off struct {
	status StatusCallback
}

// NewOff returns the disabled strategy.
func NewOff(status StatusCallback) *Off {
	return &Off{status: status}
}

func (o *Off) Mode() string { return "off" }

func (o *Off) MaterializePlaceholder(ctx context.Context, relPath string, meta PlaceholderMetadata) error {
	// Without virtual files there is nothing to materialize; the engine
	// downloads the real content instead.
	return nil
}

func (o *Off) Hydrate(ctx context.Context, relPath string) (bool, error) { return false, nil }

func (o *Off) Dehydrate(ctx context.Context, relPath string, meta PlaceholderMetadata) error {
	return nil
}

func (o *Off) PinState(ctx context.Context, relPath string) (PinState, error) {
	return PinAlwaysLocal, nil
}

func (o *Off) SetPinState(ctx context.Context, relPath string, state PinState) error { return nil }

func (o *Off) Availability(ctx context.Context, relPath string) (Availability, error) {
	return AvailabilityAlwaysLocal, nil
}

func (o *Off) IsPlaceholder(relPath string) bool { return false }

func (o *Off) UnderlyingFileName(relPath string, hydrated bool) string { return relPath }

func (o *Off) LogicalFileName(diskName string) string { return diskName }

func (o *Off) OnFileStatusChanged(relPath string, status FileStatus) {
	if o.status != nil {
		o.status(relPath, status)
	}
}
