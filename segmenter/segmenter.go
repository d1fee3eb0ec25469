// Package segmenter plans how a source video is cut into platform-compliant
// clips. Planning is pure: the same duration and parameters always yield the
// same plan, which is what makes interrupted runs resumable.
package segmenter

import "math"

// Params are the planning constraints.
type Params struct {
	// MaxWindow is the largest source-timeline slice per segment, in seconds.
	MaxWindow float64
	// Speed is the playback factor applied during encoding; a produced clip
	// lasts Window/Speed seconds.
	Speed float64
	// MinDuration is the shortest acceptable produced clip, in seconds.
	MinDuration float64
}

// Segment is one contiguous slice of the source timeline. Index is 0-based
// and contiguous within a plan.
type Segment struct {
	VideoID string
	Index   int
	Start   float64 // source seconds, inclusive
	End     float64 // source seconds, exclusive
	Speed   float64
}

// Window returns the source-timeline length of the segment.
func (s Segment) Window() float64 { return s.End - s.Start }

// PlannedDuration returns the produced clip length after speed adjustment.
func (s Segment) PlannedDuration() float64 { return s.Window() / s.Speed }

// epsilon absorbs float drift when walking the timeline.
const epsilon = 1e-9

// Plan partitions [0, duration) into ordered segments. Each step takes
// min(MaxWindow, remaining); a trailing window whose produced duration would
// fall below MinDuration is merged backward into the previous segment. A
// source shorter than MinDuration yields exactly one segment covering the
// whole input.
func Plan(videoID string, duration float64, p Params) []Segment {
	if duration <= 0 || p.MaxWindow <= 0 || p.Speed <= 0 {
		return nil
	}

	var segs []Segment
	offset := 0.0
	for offset < duration-epsilon {
		window := math.Min(p.MaxWindow, duration-offset)
		segs = append(segs, Segment{
			VideoID: videoID,
			Index:   len(segs),
			Start:   offset,
			End:     offset + window,
			Speed:   p.Speed,
		})
		offset += window
	}

	if len(segs) > 1 {
		last := segs[len(segs)-1]
		if last.PlannedDuration() < p.MinDuration {
			segs = segs[:len(segs)-1]
			segs[len(segs)-1].End = last.End
		}
	}

	return segs
}
