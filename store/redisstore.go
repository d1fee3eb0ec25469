package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout: one JSON value per record so a plain SET stays atomic.
const (
	videoKeyPrefix   = "reelpipe:video:"
	segmentKeyPrefix = "reelpipe:segment:"
	lastRunKey       = "reelpipe:lastrun"
)

// RedisStore keeps records in Redis, one JSON value per key. Read-modify-
// write operations (RecordAttempt, MarkRetry) run under WATCH so concurrent
// writers for the same key cannot interleave.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedisStore connects and verifies connectivity with a bounded ping.
func OpenRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func redisSegmentKey(key SegmentKey) string {
	return fmt.Sprintf("%s%s:%d", segmentKeyPrefix, key.VideoID, key.Index)
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) PutVideo(ctx context.Context, rec VideoRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, videoKeyPrefix+rec.ID, rec)
}

func (s *RedisStore) GetVideo(ctx context.Context, id string) (VideoRecord, error) {
	var rec VideoRecord
	err := s.getJSON(ctx, videoKeyPrefix+id, &rec)
	return rec, err
}

func (s *RedisStore) ListVideos(ctx context.Context) ([]VideoRecord, error) {
	out := make([]VideoRecord, 0)
	iter := s.client.Scan(ctx, 0, videoKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		var rec VideoRecord
		if err := s.getJSON(ctx, iter.Val(), &rec); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired between SCAN and GET
			}
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *RedisStore) PutSegment(ctx context.Context, rec SegmentRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, redisSegmentKey(rec.Key()), rec)
}

func (s *RedisStore) GetSegment(ctx context.Context, key SegmentKey) (SegmentRecord, error) {
	var rec SegmentRecord
	err := s.getJSON(ctx, redisSegmentKey(key), &rec)
	return rec, err
}

func (s *RedisStore) ListSegments(ctx context.Context, videoID string) ([]SegmentRecord, error) {
	return s.scanSegments(ctx, videoID, func(SegmentRecord) bool { return true })
}

func (s *RedisStore) ListPending(ctx context.Context, videoID string) ([]SegmentRecord, error) {
	return s.scanSegments(ctx, videoID, func(r SegmentRecord) bool { return r.Status == StatusPending })
}

func (s *RedisStore) scanSegments(ctx context.Context, videoID string, keep func(SegmentRecord) bool) ([]SegmentRecord, error) {
	pattern := segmentKeyPrefix + videoID + ":*"
	out := make([]SegmentRecord, 0)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		// The video id may itself contain ':'; trust the stored record, not
		// the key, and filter on it.
		var rec SegmentRecord
		if err := s.getJSON(ctx, iter.Val(), &rec); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if rec.VideoID == videoID && keep(rec) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// updateSegment runs a read-modify-write under WATCH, retrying on conflict.
func (s *RedisStore) updateSegment(ctx context.Context, key SegmentKey, mutate func(*SegmentRecord) error) (SegmentRecord, error) {
	redisKey := redisSegmentKey(key)
	var updated SegmentRecord

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec SegmentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("parse segment record %s: %w", redisKey, err)
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		updated = rec
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, redisKey)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return SegmentRecord{}, err
	}
	return SegmentRecord{}, fmt.Errorf("segment %s/%d: too many write conflicts", key.VideoID, key.Index)
}

func (s *RedisStore) RecordAttempt(ctx context.Context, key SegmentKey, lastErr string) (SegmentRecord, error) {
	return s.updateSegment(ctx, key, func(rec *SegmentRecord) error {
		rec.Attempts++
		if lastErr != "" {
			rec.LastError = lastErr
		}
		return nil
	})
}

func (s *RedisStore) MarkRetry(ctx context.Context, key SegmentKey) error {
	_, err := s.updateSegment(ctx, key, func(rec *SegmentRecord) error {
		if rec.Status != StatusFailed {
			return fmt.Errorf("segment %s/%d is %s, only failed segments can be retried",
				key.VideoID, key.Index, rec.Status)
		}
		rec.Status = StatusPending
		return nil
	})
	return err
}

func (s *RedisStore) LastRun(ctx context.Context) (time.Time, error) {
	val, err := s.client.Get(ctx, lastRunKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(val))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last run timestamp: %w", err)
	}
	return t, nil
}

func (s *RedisStore) SetLastRun(ctx context.Context, t time.Time) error {
	return s.client.Set(ctx, lastRunKey, t.UTC().Format(time.RFC3339), 0).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
