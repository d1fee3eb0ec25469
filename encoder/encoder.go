// Package encoder turns planned segments into platform-compliant clip files.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"reelpipe/config"
	"reelpipe/media"
	"reelpipe/segmenter"
)

// ErrConstraint marks a produced clip that violates the platform's duration
// or size limits. Re-encoding with the same parameters would produce the
// same clip, so this is never retried.
var ErrConstraint = errors.New("encoder: clip violates platform constraints")

// Limits are the platform's hard caps, checked after every encode.
type Limits struct {
	MaxDuration float64 // seconds
	MaxBytes    int64
}

// Clip is one encoded, validated output file.
type Clip struct {
	Segment  segmenter.Segment
	Path     string
	Duration float64
	Size     int64
}

// Encoder cuts, speed-adjusts and re-encodes segments with ffmpeg.
type Encoder struct {
	prober media.Prober
	limits Limits
	outDir string
}

// New returns an encoder writing clips into outDir.
func New(outDir string, limits Limits) *Encoder {
	return &Encoder{limits: limits, outDir: outDir}
}

// Encode produces the clip for one segment and validates it against the
// platform limits. The output file is removed again on any failure.
func (e *Encoder) Encode(ctx context.Context, srcPath string, seg segmenter.Segment) (Clip, error) {
	if err := os.MkdirAll(e.outDir, 0o755); err != nil {
		return Clip{}, fmt.Errorf("create segment dir: %w", err)
	}

	outPath := filepath.Join(e.outDir, outputName(srcPath, seg.Index))

	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}

	err := ffmpeg.Input(srcPath, ffmpeg.KwArgs{"ss": seg.Start}).
		Output(outPath, ffmpeg.KwArgs{
			"t":        seg.Window(),
			"filter:v": videoFilter(seg.Speed),
			"filter:a": audioFilter(seg.Speed),
			"c:v":      config.VideoCodec,
			"preset":   config.VideoPreset,
			"crf":      config.VideoCRF,
			"c:a":      config.AudioCodec,
			"b:a":      config.AudioBitrate,
			"movflags": "+faststart",
		}).
		OverWriteOutput().
		Run()
	if err != nil {
		_ = os.Remove(outPath)
		return Clip{}, fmt.Errorf("ffmpeg segment %d of %s: %w", seg.Index, filepath.Base(srcPath), err)
	}

	info, err := e.prober.Probe(ctx, outPath)
	if err != nil {
		_ = os.Remove(outPath)
		return Clip{}, fmt.Errorf("verify segment %d: %w", seg.Index, err)
	}

	if err := checkLimits(info, e.limits); err != nil {
		_ = os.Remove(outPath)
		return Clip{}, fmt.Errorf("segment %d: %w", seg.Index, err)
	}

	return Clip{Segment: seg, Path: outPath, Duration: info.Duration, Size: info.Size}, nil
}

// checkLimits validates a probed clip against the platform caps.
func checkLimits(info media.Info, limits Limits) error {
	if limits.MaxDuration > 0 && info.Duration > limits.MaxDuration {
		return fmt.Errorf("%w: duration %.1fs exceeds %.0fs", ErrConstraint, info.Duration, limits.MaxDuration)
	}
	if limits.MaxBytes > 0 && info.Size > limits.MaxBytes {
		return fmt.Errorf("%w: size %d bytes exceeds %d", ErrConstraint, info.Size, limits.MaxBytes)
	}
	return nil
}

// videoFilter speeds playback up by shrinking presentation timestamps.
func videoFilter(speed float64) string {
	return fmt.Sprintf("setpts=%g*PTS", 1/speed)
}

// audioFilter matches the audio tempo to the video speed. atempo rejects a
// factor of exactly 1, so pass the audio through untouched in that case.
func audioFilter(speed float64) string {
	if speed == 1.0 {
		return "anull"
	}
	return fmt.Sprintf("atempo=%g", speed)
}

// outputName derives the clip filename from the source and segment index,
// e.g. "episode_01_part_03.mp4".
func outputName(srcPath string, index int) string {
	base := filepath.Base(srcPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_part_%02d.mp4", stem, index+1)
}
