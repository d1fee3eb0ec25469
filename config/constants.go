package config

import "time"

// Segmentation Constants
const (
	// DefaultSegmentMaxDuration is the maximum source window per segment in seconds (2:50)
	DefaultSegmentMaxDuration = 170.0

	// DefaultSpeedFactor is the playback speed multiplier applied to every clip
	DefaultSpeedFactor = 1.25

	// DefaultMinSegmentDuration is the minimum produced clip length in seconds
	DefaultMinSegmentDuration = 30.0

	// DefaultMaxOriginalLength rejects source videos longer than this (1 hour)
	DefaultMaxOriginalLength = 3600.0
)

// Posting Constants
const (
	// DefaultPostTime is the daily posting time in UTC (HH:MM)
	DefaultPostTime = "09:00"

	// DefaultMaxRetries is the per-segment publish attempt ceiling
	DefaultMaxRetries = 3

	// DefaultDelayBetweenPosts is the wait between consecutive segment posts
	DefaultDelayBetweenPosts = 60 * time.Second

	// DefaultPollInterval drives the scheduler when daily posting is disabled
	DefaultPollInterval = 1 * time.Hour
)

// Platform Limit Constants
const (
	// DefaultMaxClipDuration is the platform's maximum video length in seconds
	DefaultMaxClipDuration = 180.0

	// DefaultMaxClipSizeMB is the platform's maximum video size
	DefaultMaxClipSizeMB = 100
)

// Error Handling Constants
const (
	// DefaultMaxErrorsBeforeStop halts the scheduler after this many consecutive failures
	DefaultMaxErrorsBeforeStop = 5
)

// Encode Constants
const (
	// VideoCodec is the video encoding codec
	VideoCodec = "libx264"

	// AudioCodec is the audio encoding codec
	AudioCodec = "aac"

	// AudioBitrate is the audio quality bitrate
	AudioBitrate = "128k"

	// VideoPreset is the ffmpeg encoding speed preset
	VideoPreset = "fast"

	// VideoCRF is the constant rate factor for libx264
	VideoCRF = 23
)

// Directory Constants
const (
	// DownloadDir holds fetched source videos awaiting segmentation
	DownloadDir = "downloads"

	// SegmentDir holds encoded clips awaiting publication
	SegmentDir = "segments"

	// StateFile is the default durable state location for the file backend
	StateFile = "state/records.json"
)
