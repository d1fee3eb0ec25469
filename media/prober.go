// Package media inspects video files with ffprobe. Probing is read-only and
// acts as the admission gate in front of segmentation.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ErrUnreadable marks an input whose container could not be parsed or that
// carries no video stream. It is never retried.
var ErrUnreadable = errors.New("media: unreadable input")

// Info is the probe result for one file.
type Info struct {
	Duration   float64 // seconds
	Size       int64   // bytes
	VideoCodec string
}

// Prober wraps ffprobe. The zero value is ready to use.
type Prober struct {
	// Timeout bounds a single ffprobe invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout is the per-probe ffprobe deadline.
const DefaultTimeout = 30 * time.Second

// Probe inspects path and returns its duration, size and primary video codec.
// Returns ErrUnreadable when ffprobe fails or reports no usable video stream.
func (p Prober) Probe(ctx context.Context, path string) (Info, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", path, err)
	}

	out, err := ffmpeg.ProbeWithTimeout(path, timeout, nil)
	if err != nil {
		return Info{}, fmt.Errorf("%w: ffprobe %s: %v", ErrUnreadable, path, err)
	}

	return parseProbe(out, st.Size())
}

// parseProbe extracts the fields we care about from ffprobe's JSON output.
// statSize is used when the container does not report its own size.
func parseProbe(out string, statSize int64) (Info, error) {
	duration := gjson.Get(out, "format.duration").Float()
	if duration <= 0 {
		// Some containers only carry duration on the stream.
		duration = gjson.Get(out, `streams.#(codec_type=="video").duration`).Float()
	}
	if duration <= 0 {
		return Info{}, fmt.Errorf("%w: no parseable duration", ErrUnreadable)
	}

	codec := gjson.Get(out, `streams.#(codec_type=="video").codec_name`).String()
	if codec == "" {
		return Info{}, fmt.Errorf("%w: no video stream", ErrUnreadable)
	}

	size := gjson.Get(out, "format.size").Int()
	if size <= 0 {
		size = statSize
	}

	return Info{Duration: duration, Size: size, VideoCodec: codec}, nil
}
