package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reelpipe/budget"
	"reelpipe/config"
	"reelpipe/encoder"
	"reelpipe/media"
	"reelpipe/publish"
	"reelpipe/segmenter"
	"reelpipe/source"
	"reelpipe/store"
)

type fakeSource struct {
	videos    []source.Video
	downloads int
}

func (s *fakeSource) List(ctx context.Context) ([]source.Video, error) {
	return s.videos, nil
}

func (s *fakeSource) Download(ctx context.Context, v source.Video, destDir string) (string, error) {
	s.downloads++
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, v.Name)
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeProber struct {
	duration float64
	err      error
}

func (p fakeProber) Probe(ctx context.Context, path string) (media.Info, error) {
	if p.err != nil {
		return media.Info{}, p.err
	}
	return media.Info{Duration: p.duration, Size: 1 << 20, VideoCodec: "h264"}, nil
}

type fakeEncoder struct {
	mu      sync.Mutex
	encoded []int
	errOn   map[int]error
	// outDir, when set, makes Encode write a real clip file there.
	outDir string
}

func (e *fakeEncoder) Encode(ctx context.Context, srcPath string, seg segmenter.Segment) (encoder.Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.encoded = append(e.encoded, seg.Index)
	if err := e.errOn[seg.Index]; err != nil {
		return encoder.Clip{}, err
	}
	path := fmt.Sprintf("%s_part_%02d.mp4", srcPath, seg.Index+1)
	if e.outDir != "" {
		path = filepath.Join(e.outDir, fmt.Sprintf("clip_%02d.mp4", seg.Index))
		if err := os.WriteFile(path, []byte("clip bytes"), 0o644); err != nil {
			return encoder.Clip{}, err
		}
	}
	return encoder.Clip{
		Segment:  seg,
		Path:     path,
		Duration: seg.PlannedDuration(),
		Size:     1 << 20,
	}, nil
}

// fakePublisher replays a script of errors, one per call; past the end of
// the script every call succeeds.
type fakePublisher struct {
	mu       sync.Mutex
	script   []error
	calls    int
	captions []string
}

func (p *fakePublisher) Publish(ctx context.Context, filePath, caption string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.captions = append(p.captions, caption)
	if p.calls <= len(p.script) {
		if err := p.script[p.calls-1]; err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("post-%d", p.calls), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SegmentMaxDuration:  170,
		SpeedFactor:         1.25,
		MinSegmentDuration:  30,
		MaxOriginalLength:   3600,
		MaxRetries:          3,
		DelayBetweenPosts:   0,
		SkipProblematic:     true,
		MaxErrorsBeforeStop: 5,
		DownloadDir:         t.TempDir(),
		SegmentDir:          t.TempDir(),
	}
}

func testCoordinator(t *testing.T, cfg *config.Config, src *fakeSource, prober fakeProber, enc *fakeEncoder, pub *fakePublisher) (*Coordinator, store.Store) {
	t.Helper()
	st, err := store.OpenFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	tracker := budget.New(cfg.MaxErrorsBeforeStop, budget.HaltOnConsecutive)
	c := New(cfg, st, src, prober, enc, pub, tracker)
	c.RetryDelay = 0
	return c, st
}

func TestProcessVideoPostsAllSegments(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "episode.mp4"}}}
	enc := &fakeEncoder{}
	pub := &fakePublisher{}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 400}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	// 400s at 170s windows plans 3 segments.
	segs, err := st.ListSegments(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segment records, want 3", len(segs))
	}
	for _, s := range segs {
		if s.Status != store.StatusPosted {
			t.Errorf("segment %d status = %s, want posted", s.Index, s.Status)
		}
		if s.Attempts != 1 {
			t.Errorf("segment %d attempts = %d, want 1", s.Index, s.Attempts)
		}
		if s.PostID == "" {
			t.Errorf("segment %d has no post id", s.Index)
		}
	}

	rec, err := st.GetVideo(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.VideoCompleted {
		t.Errorf("video status = %s, want completed", rec.Status)
	}
	if rec.Segments != 3 {
		t.Errorf("video segments = %d, want 3", rec.Segments)
	}

	if !strings.Contains(pub.captions[0], "Part 1/3") {
		t.Errorf("caption %q missing part numbering", pub.captions[0])
	}
}

func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "short.mp4"}}}
	enc := &fakeEncoder{}
	// Two transient failures, then success on the third attempt.
	pub := &fakePublisher{script: []error{publish.ErrTransient, publish.ErrRateLimited, nil}}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 100}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	seg, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg.Status != store.StatusPosted {
		t.Errorf("status = %s, want posted", seg.Status)
	}
	if seg.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", seg.Attempts)
	}

	consecutive, _ := c.budget.Snapshot()
	if consecutive != 0 {
		t.Errorf("consecutive errors = %d, want 0 after a success", consecutive)
	}
}

func TestRejectedErrorFailsWithoutRetry(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "short.mp4"}}}
	enc := &fakeEncoder{}
	pub := &fakePublisher{script: []error{publish.ErrRejected}}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 100}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	seg, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", seg.Status)
	}
	if seg.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (permanent errors are not retried)", seg.Attempts)
	}
	if pub.calls != 1 {
		t.Errorf("publish calls = %d, want 1", pub.calls)
	}
}

func TestRetryBudgetExhaustionMovesOn(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "episode.mp4"}}}
	enc := &fakeEncoder{}
	// First segment burns all three attempts; the rest succeed.
	pub := &fakePublisher{script: []error{publish.ErrTransient, publish.ErrTransient, publish.ErrTransient}}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 400}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	first, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != store.StatusFailed || first.Attempts != 3 {
		t.Errorf("first segment = %s after %d attempts, want failed after 3", first.Status, first.Attempts)
	}

	for _, idx := range []int{1, 2} {
		seg, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: idx})
		if err != nil {
			t.Fatal(err)
		}
		if seg.Status != store.StatusPosted {
			t.Errorf("segment %d = %s, want posted despite the earlier failure", idx, seg.Status)
		}
	}
}

func TestResumeSkipsPostedSegments(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "episode.mp4"}}}
	enc := &fakeEncoder{}
	pub := &fakePublisher{}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 400}, enc, pub)

	// Simulate a prior run that already posted segment 0.
	if err := st.PutSegment(context.Background(), store.SegmentRecord{
		VideoID: "vid-1", Index: 0, Status: store.StatusPosted, Attempts: 1, PostID: "old-post",
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	if pub.calls != 2 {
		t.Errorf("publish calls = %d, want 2 (segment 0 already posted)", pub.calls)
	}
	seg, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg.PostID != "old-post" || seg.Attempts != 1 {
		t.Errorf("posted segment was touched again: %+v", seg)
	}
}

func TestOverlongSourceIsSkipped(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "marathon.mp4"}}}
	enc := &fakeEncoder{}
	pub := &fakePublisher{}
	cfg := testConfig(t)
	c, st := testCoordinator(t, cfg, src, fakeProber{duration: 4000}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo with SKIP_PROBLEMATIC_VIDEOS: %v", err)
	}

	rec, err := st.GetVideo(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.VideoSkipped {
		t.Errorf("video status = %s, want skipped", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("skipped video should carry the reason")
	}
	if pub.calls != 0 || len(enc.encoded) != 0 {
		t.Error("skipped video must not be encoded or published")
	}

	consecutive, _ := c.budget.Snapshot()
	if consecutive != 1 {
		t.Errorf("consecutive errors = %d, want 1 (skips count against the budget)", consecutive)
	}
}

func TestUnreadableVideoFailsWhenSkipDisabled(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "broken.mp4"}}}
	cfg := testConfig(t)
	cfg.SkipProblematic = false
	c, st := testCoordinator(t, cfg, src, fakeProber{err: media.ErrUnreadable}, &fakeEncoder{}, &fakePublisher{})

	err := c.ProcessVideo(context.Background(), src.videos[0])
	if !errors.Is(err, media.ErrUnreadable) {
		t.Fatalf("err = %v, want ErrUnreadable", err)
	}

	rec, err := st.GetVideo(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.VideoFailed {
		t.Errorf("video status = %s, want failed", rec.Status)
	}
}

func TestBudgetHaltSurfacesWhenSkipDisabled(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "broken.mp4"}}}
	cfg := testConfig(t)
	cfg.SkipProblematic = false
	cfg.MaxErrorsBeforeStop = 1
	c, _ := testCoordinator(t, cfg, src, fakeProber{err: media.ErrUnreadable}, &fakeEncoder{}, &fakePublisher{})

	err := c.ProcessVideo(context.Background(), src.videos[0])
	if !errors.Is(err, budget.ErrExceeded) {
		t.Fatalf("err = %v, want budget.ErrExceeded once the ceiling is hit", err)
	}
	if !errors.Is(err, media.ErrUnreadable) {
		t.Errorf("err = %v, should still carry the probe failure", err)
	}
}

func TestTransientEncodeFailureStaysPending(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "episode.mp4"}}}
	enc := &fakeEncoder{errOn: map[int]error{0: errors.New("ffmpeg exited with code 1")}}
	pub := &fakePublisher{}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 400}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	seg, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg.Status != store.StatusPending {
		t.Errorf("status = %s, want pending (a broken encode is redone next run)", seg.Status)
	}
	if seg.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", seg.Attempts)
	}
	if seg.LastError == "" {
		t.Error("encode error must be recorded on the segment")
	}
	if pub.calls != 0 {
		t.Errorf("publish calls = %d, want 0 (later segments must not post ahead of a pending one)", pub.calls)
	}

	// Two more runs burn the remaining attempts; the segment then fails and
	// the rest of the video proceeds.
	for i := 0; i < 2; i++ {
		if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
			t.Fatalf("ProcessVideo run %d: %v", i+2, err)
		}
	}
	seg, err = st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg.Status != store.StatusFailed || seg.Attempts != 3 {
		t.Errorf("segment = %s after %d attempts, want failed after 3", seg.Status, seg.Attempts)
	}
	if pub.calls != 2 {
		t.Errorf("publish calls = %d, want 2 (segments 1 and 2 posted)", pub.calls)
	}

	rec, err := st.GetVideo(context.Background(), "vid-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.VideoCompleted {
		t.Errorf("video status = %s, want completed", rec.Status)
	}
}

func TestEarlyHaltRemovesEncodedClips(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "episode.mp4"}}}
	clipDir := t.TempDir()
	enc := &fakeEncoder{outDir: clipDir}
	pub := &fakePublisher{script: []error{publish.ErrRejected}}
	cfg := testConfig(t)
	cfg.MaxErrorsBeforeStop = 1
	c, _ := testCoordinator(t, cfg, src, fakeProber{duration: 400}, enc, pub)

	err := c.ProcessVideo(context.Background(), src.videos[0])
	if !errors.Is(err, budget.ErrExceeded) {
		t.Fatalf("err = %v, want budget.ErrExceeded", err)
	}

	entries, err := os.ReadDir(clipDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d clip files left behind after the halt", len(entries))
	}
}

func TestEncodeConstraintFailureIsTerminal(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "short.mp4"}}}
	enc := &fakeEncoder{errOn: map[int]error{0: encoder.ErrConstraint}}
	pub := &fakePublisher{}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 100}, enc, pub)

	if err := c.ProcessVideo(context.Background(), src.videos[0]); err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}

	seg, err := st.GetSegment(context.Background(), store.SegmentKey{VideoID: "vid-1", Index: 0})
	if err != nil {
		t.Fatal(err)
	}
	if seg.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", seg.Status)
	}
	if pub.calls != 0 {
		t.Errorf("publish calls = %d, want 0 for an unencodable segment", pub.calls)
	}
}

func TestBudgetHaltStopsIssuingWork(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-1", Name: "episode.mp4"}}}
	enc := &fakeEncoder{}
	// Every publish fails permanently; budget of 2 halts mid-video.
	pub := &fakePublisher{script: []error{publish.ErrRejected, publish.ErrRejected, publish.ErrRejected}}
	cfg := testConfig(t)
	cfg.MaxErrorsBeforeStop = 2
	c, _ := testCoordinator(t, cfg, src, fakeProber{duration: 400}, enc, pub)

	err := c.ProcessVideo(context.Background(), src.videos[0])
	if !errors.Is(err, budget.ErrExceeded) {
		t.Fatalf("err = %v, want budget.ErrExceeded", err)
	}
	if pub.calls > 2 {
		t.Errorf("publish calls = %d, want at most 2 after the halt", pub.calls)
	}
}

func TestProcessNextPicksFirstUnfinished(t *testing.T) {
	src := &fakeSource{videos: []source.Video{
		{ID: "vid-a", Name: "a.mp4"},
		{ID: "vid-b", Name: "b.mp4"},
	}}
	enc := &fakeEncoder{}
	pub := &fakePublisher{}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 100}, enc, pub)

	// vid-a already finished in a prior cycle.
	if err := st.PutVideo(context.Background(), store.VideoRecord{
		ID: "vid-a", Name: "a.mp4", Status: store.VideoCompleted,
	}); err != nil {
		t.Fatal(err)
	}

	processed, err := c.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !processed {
		t.Fatal("expected a video to be processed")
	}

	rec, err := st.GetVideo(context.Background(), "vid-b")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.VideoCompleted {
		t.Errorf("vid-b status = %s, want completed", rec.Status)
	}
}

func TestProcessNextExhaustedLibrary(t *testing.T) {
	src := &fakeSource{videos: []source.Video{{ID: "vid-a", Name: "a.mp4"}}}
	c, st := testCoordinator(t, testConfig(t), src, fakeProber{duration: 100}, &fakeEncoder{}, &fakePublisher{})

	if err := st.PutVideo(context.Background(), store.VideoRecord{
		ID: "vid-a", Name: "a.mp4", Status: store.VideoCompleted,
	}); err != nil {
		t.Fatal(err)
	}

	processed, err := c.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if processed {
		t.Error("exhausted library must be a no-op, not a reprocess")
	}
	if src.downloads != 0 {
		t.Errorf("downloads = %d, want 0", src.downloads)
	}
}

func TestBuildCaption(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	got := buildCaption("my show.mp4", 2, 5, 1.25, when)

	for _, want := range []string{"Part 2/5", "my show", "1.25x", "14 March 2026"} {
		if !strings.Contains(got, want) {
			t.Errorf("caption %q missing %q", got, want)
		}
	}
	if strings.Contains(got, ".mp4") {
		t.Errorf("caption %q should not carry the file extension", got)
	}

	plain := buildCaption("clip.mp4", 1, 1, 1.0, when)
	if strings.Contains(plain, "Speed") {
		t.Errorf("caption %q should omit the speed note at 1.0x", plain)
	}
}
