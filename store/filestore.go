package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileStore keeps all records in one JSON document, rewritten atomically
// (temp file + rename) on every mutation. Good for a single-process deploy;
// use RedisStore when the pipeline runs next to other tooling.
type FileStore struct {
	mu   chan struct{} // 1-slot semaphore, also serializes persist()
	path string
	doc  document
}

type document struct {
	Videos   map[string]VideoRecord   `json:"videos"`
	Segments map[string]SegmentRecord `json:"segments"`
	LastRun  time.Time                `json:"last_run,omitzero"`
}

func segmentMapKey(key SegmentKey) string {
	return fmt.Sprintf("%s/%d", key.VideoID, key.Index)
}

// OpenFileStore loads the document at path, creating parent directories and
// an empty document when none exists.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		mu:   make(chan struct{}, 1),
		path: path,
		doc: document{
			Videos:   make(map[string]VideoRecord),
			Segments: make(map[string]SegmentRecord),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh store
	case err != nil:
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parse state file %s: %w", path, err)
		}
		if s.doc.Videos == nil {
			s.doc.Videos = make(map[string]VideoRecord)
		}
		if s.doc.Segments == nil {
			s.doc.Segments = make(map[string]SegmentRecord)
		}
	}
	return s, nil
}

func (s *FileStore) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FileStore) unlock() { <-s.mu }

// persist writes the whole document to a temp file and renames it into
// place. Rename is atomic on POSIX filesystems, so a crash leaves either the
// old document or the new one, never a torn write. Caller must hold the lock.
func (s *FileStore) persist() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".reelpipe-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename state file: %w", err)
	}
	return nil
}

func (s *FileStore) PutVideo(ctx context.Context, rec VideoRecord) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	rec.UpdatedAt = time.Now().UTC()
	s.doc.Videos[rec.ID] = rec
	return s.persist()
}

func (s *FileStore) GetVideo(ctx context.Context, id string) (VideoRecord, error) {
	if err := s.lock(ctx); err != nil {
		return VideoRecord{}, err
	}
	defer s.unlock()
	rec, ok := s.doc.Videos[id]
	if !ok {
		return VideoRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) ListVideos(ctx context.Context) ([]VideoRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()
	out := make([]VideoRecord, 0, len(s.doc.Videos))
	for _, rec := range s.doc.Videos {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) PutSegment(ctx context.Context, rec SegmentRecord) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	rec.UpdatedAt = time.Now().UTC()
	s.doc.Segments[segmentMapKey(rec.Key())] = rec
	return s.persist()
}

func (s *FileStore) GetSegment(ctx context.Context, key SegmentKey) (SegmentRecord, error) {
	if err := s.lock(ctx); err != nil {
		return SegmentRecord{}, err
	}
	defer s.unlock()
	rec, ok := s.doc.Segments[segmentMapKey(key)]
	if !ok {
		return SegmentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) ListSegments(ctx context.Context, videoID string) ([]SegmentRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()
	return s.segmentsLocked(videoID, func(SegmentRecord) bool { return true }), nil
}

func (s *FileStore) ListPending(ctx context.Context, videoID string) ([]SegmentRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()
	return s.segmentsLocked(videoID, func(r SegmentRecord) bool { return r.Status == StatusPending }), nil
}

// segmentsLocked returns the video's segments matching keep, ordered by
// index. Caller must hold the lock.
func (s *FileStore) segmentsLocked(videoID string, keep func(SegmentRecord) bool) []SegmentRecord {
	out := make([]SegmentRecord, 0)
	for _, rec := range s.doc.Segments {
		if rec.VideoID == videoID && keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *FileStore) RecordAttempt(ctx context.Context, key SegmentKey, lastErr string) (SegmentRecord, error) {
	if err := s.lock(ctx); err != nil {
		return SegmentRecord{}, err
	}
	defer s.unlock()
	rec, ok := s.doc.Segments[segmentMapKey(key)]
	if !ok {
		return SegmentRecord{}, ErrNotFound
	}
	rec.Attempts++
	if lastErr != "" {
		rec.LastError = lastErr
	}
	rec.UpdatedAt = time.Now().UTC()
	s.doc.Segments[segmentMapKey(key)] = rec
	if err := s.persist(); err != nil {
		return SegmentRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) MarkRetry(ctx context.Context, key SegmentKey) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	rec, ok := s.doc.Segments[segmentMapKey(key)]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusFailed {
		return fmt.Errorf("segment %s/%d is %s, only failed segments can be retried",
			key.VideoID, key.Index, rec.Status)
	}
	rec.Status = StatusPending
	rec.UpdatedAt = time.Now().UTC()
	s.doc.Segments[segmentMapKey(key)] = rec
	return s.persist()
}

func (s *FileStore) LastRun(ctx context.Context) (time.Time, error) {
	if err := s.lock(ctx); err != nil {
		return time.Time{}, err
	}
	defer s.unlock()
	return s.doc.LastRun, nil
}

func (s *FileStore) SetLastRun(ctx context.Context, t time.Time) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	s.doc.LastRun = t.UTC()
	return s.persist()
}

func (s *FileStore) Close() error { return nil }
