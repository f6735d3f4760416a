package routeragent

import (
	"context"
	"time"
)

// EventRecorder receives lifecycle, flash and recovery events for
// persistence. Recording failures are logged by the callers, never
// propagated: bookkeeping must not become a new source of failure during
// error recovery.
type EventRecorder interface {
	RecordEvent(ctx context.Context, device, event, detail string) error
}

// FlashRecord describes one flash attempt for persistence.
type FlashRecord struct {
	Device    string
	Image     string
	SHA256    string
	SizeBytes int64
	Outcome   string
	StartAt   time.Time
	EndAt     time.Time
	Error     string
}

// FlashRecorder persists flash attempts. Optional; a nil recorder disables
// persistence.
type FlashRecorder interface {
	RecordFlash(ctx context.Context, rec FlashRecord) error
}
