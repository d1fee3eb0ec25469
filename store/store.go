// Package store is the durable record of what has been produced and what has
// been posted. It is the only state that survives a crash, so every write
// must be all-or-nothing.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("store: record not found")

// Status is the publication state of one segment.
type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted" // terminal, never revisited
	StatusFailed  Status = "failed" // terminal until an explicit retry
	StatusSkipped Status = "skipped"
)

// Terminal reports whether a segment in this status needs no further work.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusSkipped
}

// VideoStatus tracks a source video through the coordinator's state machine.
type VideoStatus string

const (
	VideoDiscovered VideoStatus = "discovered"
	VideoProbed     VideoStatus = "probed"
	VideoPlanned    VideoStatus = "planned"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
	VideoSkipped    VideoStatus = "skipped"
)

// Terminal reports whether the video needs no further processing.
func (s VideoStatus) Terminal() bool {
	return s == VideoCompleted || s == VideoFailed || s == VideoSkipped
}

// SegmentKey identifies one segment record.
type SegmentKey struct {
	VideoID string
	Index   int
}

// SegmentRecord is the durable publication record for one segment.
type SegmentRecord struct {
	VideoID   string    `json:"video_id"`
	Index     int       `json:"index"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	PostID    string    `json:"post_id,omitempty"`
	PostedAt  time.Time `json:"posted_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the record's key.
func (r SegmentRecord) Key() SegmentKey {
	return SegmentKey{VideoID: r.VideoID, Index: r.Index}
}

// VideoRecord is the durable processing record for one source video.
type VideoRecord struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Status       VideoStatus `json:"status"`
	Duration     float64     `json:"duration_seconds,omitempty"`
	Size         int64       `json:"size_bytes,omitempty"`
	Segments     int         `json:"segments,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	DiscoveredAt time.Time   `json:"discovered_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Store is the durable state backend. Implementations must make each write
// atomic: a crash mid-write never leaves a half-updated record.
type Store interface {
	PutVideo(ctx context.Context, rec VideoRecord) error
	GetVideo(ctx context.Context, id string) (VideoRecord, error)
	ListVideos(ctx context.Context) ([]VideoRecord, error)

	PutSegment(ctx context.Context, rec SegmentRecord) error
	GetSegment(ctx context.Context, key SegmentKey) (SegmentRecord, error)
	ListSegments(ctx context.Context, videoID string) ([]SegmentRecord, error)

	// ListPending returns the video's segments still awaiting publication,
	// ordered by index. Posted, failed and skipped segments are never
	// returned; failed ones come back only after MarkRetry.
	ListPending(ctx context.Context, videoID string) ([]SegmentRecord, error)

	// RecordAttempt atomically increments the attempt counter and stores the
	// previous error, returning the updated record. It is written durably
	// before the publish call it accounts for.
	RecordAttempt(ctx context.Context, key SegmentKey, lastErr string) (SegmentRecord, error)

	// MarkRetry transitions a failed segment back to pending. Any other
	// starting status is an error; posted is terminal.
	MarkRetry(ctx context.Context, key SegmentKey) error

	// LastRun and SetLastRun persist the daily-cadence gate.
	LastRun(ctx context.Context) (time.Time, error)
	SetLastRun(ctx context.Context, t time.Time) error

	Close() error
}
