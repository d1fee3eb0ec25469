// Package pipeline orchestrates one video's journey from remote folder to
// published clips: probe, plan, encode, publish, record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelpipe/budget"
	"reelpipe/config"
	"reelpipe/encoder"
	"reelpipe/media"
	"reelpipe/publish"
	"reelpipe/segmenter"
	"reelpipe/source"
	"reelpipe/store"
)

// Prober is the probe gate in front of segmentation.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Info, error)
}

// Encoder produces a validated clip for one planned segment.
type Encoder interface {
	Encode(ctx context.Context, srcPath string, seg segmenter.Segment) (encoder.Clip, error)
}

// Coordinator drives the per-video state machine. One Coordinator serves the
// whole process; publish calls are serialized through a single mutex so only
// one post is ever in flight.
type Coordinator struct {
	cfg    *config.Config
	store  store.Store
	src    source.Source
	prober Prober
	enc    Encoder
	pub    publish.Publisher
	budget *budget.Tracker

	publishMu sync.Mutex

	// RetryDelay is the wait before re-attempting a retryable publish
	// failure, scaled linearly by attempt count. Shortened in tests.
	RetryDelay time.Duration
}

// New wires a coordinator from its collaborators.
func New(cfg *config.Config, st store.Store, src source.Source, prober Prober, enc Encoder, pub publish.Publisher, tracker *budget.Tracker) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		src:        src,
		prober:     prober,
		enc:        enc,
		pub:        pub,
		budget:     tracker,
		RetryDelay: 10 * time.Second,
	}
}

// ProcessNext lists the remote folder and processes the first video that is
// not already in a terminal state. Returns false when the whole library has
// been worked through.
func (c *Coordinator) ProcessNext(ctx context.Context) (bool, error) {
	videos, err := c.src.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list source: %w", err)
	}
	if len(videos) == 0 {
		log.Println("No videos found in the source folder")
		return false, nil
	}

	for _, v := range videos {
		rec, err := c.store.GetVideo(ctx, v.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if err == nil && rec.Status.Terminal() {
			continue
		}
		return true, c.ProcessVideo(ctx, v)
	}

	log.Printf("All %d videos are in a terminal state; nothing to do", len(videos))
	return false, nil
}

// ProcessByID processes one specific video out of schedule, e.g. on a queue
// trigger.
func (c *Coordinator) ProcessByID(ctx context.Context, id string) error {
	videos, err := c.src.List(ctx)
	if err != nil {
		return fmt.Errorf("list source: %w", err)
	}
	for _, v := range videos {
		if v.ID == id {
			return c.ProcessVideo(ctx, v)
		}
	}
	return fmt.Errorf("%w: video %s", source.ErrNotFound, id)
}

// ProcessVideo runs the state machine for one source video. Segment-level
// failures are isolated: they mark the segment, feed the error budget and
// move on. The only error returned for budget exhaustion is
// budget.ErrExceeded, which the scheduler treats as fatal.
func (c *Coordinator) ProcessVideo(ctx context.Context, v source.Video) error {
	runID := uuid.NewString()[:8]
	log.Printf("[%s] Processing video %q (%s)", runID, v.Name, v.ID)

	rec, err := c.store.GetVideo(ctx, v.ID)
	if errors.Is(err, store.ErrNotFound) {
		rec = store.VideoRecord{
			ID:           v.ID,
			Name:         v.Name,
			Status:       store.VideoDiscovered,
			DiscoveredAt: time.Now().UTC(),
		}
	} else if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		log.Printf("[%s] Video already %s, skipping", runID, rec.Status)
		return nil
	}
	if err := c.store.PutVideo(ctx, rec); err != nil {
		return err
	}

	srcPath, err := c.src.Download(ctx, v, c.cfg.DownloadDir)
	if err != nil {
		return c.rejectVideo(ctx, rec, fmt.Errorf("download: %w", err))
	}
	defer os.Remove(srcPath)

	info, err := c.prober.Probe(ctx, srcPath)
	if err != nil {
		return c.rejectVideo(ctx, rec, err)
	}
	if info.Duration > c.cfg.MaxOriginalLength {
		return c.rejectVideo(ctx, rec, fmt.Errorf("source is %.0fs, limit is %.0fs",
			info.Duration, c.cfg.MaxOriginalLength))
	}

	rec.Status = store.VideoProbed
	rec.Duration = info.Duration
	rec.Size = info.Size
	if err := c.store.PutVideo(ctx, rec); err != nil {
		return err
	}

	plan := segmenter.Plan(v.ID, info.Duration, segmenter.Params{
		MaxWindow:   c.cfg.SegmentMaxDuration,
		Speed:       c.cfg.SpeedFactor,
		MinDuration: c.cfg.MinSegmentDuration,
	})
	if len(plan) == 0 {
		return c.rejectVideo(ctx, rec, errors.New("segmenter produced an empty plan"))
	}

	rec.Status = store.VideoPlanned
	rec.Segments = len(plan)
	if err := c.store.PutVideo(ctx, rec); err != nil {
		return err
	}
	log.Printf("[%s] Planned %d segments for %.0fs of source", runID, len(plan), info.Duration)

	// Reconcile the deterministic plan against existing records so a prior
	// partial run resumes instead of re-posting.
	for _, seg := range plan {
		key := store.SegmentKey{VideoID: seg.VideoID, Index: seg.Index}
		if _, err := c.store.GetSegment(ctx, key); errors.Is(err, store.ErrNotFound) {
			if err := c.store.PutSegment(ctx, store.SegmentRecord{
				VideoID: seg.VideoID,
				Index:   seg.Index,
				Status:  store.StatusPending,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	haltErr := c.publishPending(ctx, runID, v, srcPath, plan)

	segs, err := c.store.ListSegments(ctx, v.ID)
	if err != nil {
		return err
	}
	allTerminal := true
	for _, s := range segs {
		if !s.Status.Terminal() {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		rec.Status = store.VideoCompleted
		if err := c.store.PutVideo(ctx, rec); err != nil {
			return err
		}
		log.Printf("[%s] Video %q completed", runID, v.Name)
	}

	return haltErr
}

// encodeResult carries one segment through the depth-1 encode/publish
// pipeline.
type encodeResult struct {
	rec  store.SegmentRecord
	clip encoder.Clip
	err  error
}

// publishPending encodes and publishes the video's pending segments in index
// order. Encoding of the next segment overlaps the current publish through a
// single-slot channel; publishing itself stays strictly serial.
func (c *Coordinator) publishPending(ctx context.Context, runID string, v source.Video, srcPath string, plan []segmenter.Segment) error {
	pending, err := c.store.ListPending(ctx, v.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	encodeCtx, cancelEncode := context.WithCancel(ctx)

	results := make(chan encodeResult, 1)
	go func() {
		defer close(results)
		for _, rec := range pending {
			if rec.Index >= len(plan) {
				// Stale record from an older plan shape; leave it alone.
				continue
			}
			clip, err := c.enc.Encode(encodeCtx, srcPath, plan[rec.Index])
			select {
			case results <- encodeResult{rec: rec, clip: clip, err: err}:
			case <-encodeCtx.Done():
				if err == nil {
					os.Remove(clip.Path)
				}
				return
			}
		}
	}()

	// On any early exit, stop the encoder and discard clips it already
	// produced so nothing lingers in the segment dir.
	defer func() {
		cancelEncode()
		for res := range results {
			if res.err == nil {
				os.Remove(res.clip.Path)
			}
		}
	}()

	handled := 0
	for res := range results {
		// Shutdown and budget halt are honored between segments, never
		// mid-publish.
		if err := c.stopReason(ctx); err != nil {
			if res.err == nil {
				os.Remove(res.clip.Path)
			}
			return err
		}

		if !c.handleSegment(ctx, runID, v, len(plan), res) {
			return nil
		}
		handled++

		if handled < len(pending) && c.cfg.DelayBetweenPosts > 0 {
			log.Printf("[%s] Waiting %s before the next post", runID, c.cfg.DelayBetweenPosts)
			if err := sleepCtx(ctx, c.cfg.DelayBetweenPosts); err != nil {
				return err
			}
		}
	}

	return c.stopReason(ctx)
}

// stopReason reports why no further segment may start: budget exhaustion or
// shutdown.
func (c *Coordinator) stopReason(ctx context.Context) error {
	if c.budget.ShouldHalt() {
		return budget.ErrExceeded
	}
	return ctx.Err()
}

// handleSegment drives one segment toward a terminal status: posted, or
// failed after the retry budget or a permanent error. It reports whether
// processing of this video's remaining segments should continue; a segment
// left pending stops the run, since a later segment must never post ahead of
// an earlier one.
func (c *Coordinator) handleSegment(ctx context.Context, runID string, v source.Video, totalParts int, res encodeResult) bool {
	key := res.rec.Key()

	if res.err != nil {
		return c.handleEncodeFailure(ctx, runID, res)
	}
	defer os.Remove(res.clip.Path)

	caption := buildCaption(v.Name, key.Index+1, totalParts, c.cfg.SpeedFactor, time.Now())

	// A publish in flight and its status write run to completion even when
	// the process is shutting down.
	pubCtx := context.WithoutCancel(ctx)

	for {
		rec, err := c.store.RecordAttempt(pubCtx, key, "")
		if err != nil {
			log.Printf("[%s] Segment %d: recording attempt failed: %v", runID, key.Index, err)
			return false
		}

		c.publishMu.Lock()
		postID, perr := c.pub.Publish(pubCtx, res.clip.Path, caption)
		c.publishMu.Unlock()

		if perr == nil {
			rec.PostID = postID
			rec.PostedAt = time.Now().UTC()
			c.finalizeSegment(pubCtx, rec, store.StatusPosted, postID, nil)
			log.Printf("[%s] Posted part %d/%d of %q (post id %s, attempt %d)",
				runID, key.Index+1, totalParts, v.Name, postID, rec.Attempts)
			return true
		}

		log.Printf("[%s] Publish attempt %d for segment %d failed: %v", runID, rec.Attempts, key.Index, perr)

		if !publish.Retryable(perr) || rec.Attempts >= c.cfg.MaxRetries {
			c.finalizeSegment(pubCtx, rec, store.StatusFailed, "", perr)
			return true
		}

		// Persist the error while the segment stays pending.
		rec.LastError = perr.Error()
		if err := c.store.PutSegment(pubCtx, rec); err != nil {
			log.Printf("[%s] Segment %d: persisting retry state failed: %v", runID, key.Index, err)
			return false
		}

		if err := sleepCtx(ctx, time.Duration(rec.Attempts)*c.RetryDelay); err != nil {
			return false
		}
	}
}

// handleEncodeFailure records the failed encode. A clip over the platform
// caps would come out identical on a re-encode, so that is terminal at once;
// any other encode error burns one attempt and leaves the segment pending so
// the next run redoes it from scratch.
func (c *Coordinator) handleEncodeFailure(ctx context.Context, runID string, res encodeResult) bool {
	key := res.rec.Key()
	log.Printf("[%s] Segment %d encode failed: %v", runID, key.Index, res.err)

	if errors.Is(res.err, encoder.ErrConstraint) {
		c.finalizeSegment(ctx, res.rec, store.StatusFailed, "", res.err)
		return true
	}

	rec, err := c.store.RecordAttempt(ctx, key, res.err.Error())
	if err != nil {
		log.Printf("[%s] Segment %d: recording attempt failed: %v", runID, key.Index, err)
		return false
	}
	if rec.Attempts >= c.cfg.MaxRetries {
		c.finalizeSegment(ctx, rec, store.StatusFailed, "", res.err)
		return true
	}

	log.Printf("[%s] Segment %d stays pending after encode attempt %d", runID, key.Index, rec.Attempts)
	return false
}

// finalizeSegment writes the terminal status immediately after the publish
// outcome is known and feeds the error budget.
func (c *Coordinator) finalizeSegment(ctx context.Context, rec store.SegmentRecord, status store.Status, postID string, cause error) {
	rec.Status = status
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if postID != "" {
		rec.PostID = postID
	}
	if err := c.store.PutSegment(ctx, rec); err != nil {
		log.Printf("Segment %s/%d: writing terminal status %s failed: %v",
			rec.VideoID, rec.Index, status, err)
	}

	if status == store.StatusPosted {
		c.budget.RecordSuccess()
	} else {
		c.budget.RecordFailure()
	}
}

// rejectVideo puts the video into skipped or failed depending on
// configuration. Skipping still counts against the error budget so a folder
// full of broken inputs cannot loop forever.
func (c *Coordinator) rejectVideo(ctx context.Context, rec store.VideoRecord, cause error) error {
	rec.LastError = cause.Error()
	c.budget.RecordFailure()

	if c.cfg.SkipProblematic {
		log.Printf("Skipping video %q: %v", rec.Name, cause)
		rec.Status = store.VideoSkipped
		if err := c.store.PutVideo(ctx, rec); err != nil {
			return err
		}
		if c.budget.ShouldHalt() {
			return budget.ErrExceeded
		}
		return nil
	}

	rec.Status = store.VideoFailed
	if err := c.store.PutVideo(ctx, rec); err != nil {
		return err
	}
	failure := fmt.Errorf("video %q: %w", rec.Name, cause)
	if c.budget.ShouldHalt() {
		return errors.Join(failure, budget.ErrExceeded)
	}
	return failure
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
