package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime setting, read from the environment once at
// startup. Call Load to build one; the zero value is not usable.
type Config struct {
	// Segmentation.
	SegmentMaxDuration float64 // VIDEO_SEGMENT_MAX_DURATION, source seconds per window
	SpeedFactor        float64 // SPEED_FACTOR
	MinSegmentDuration float64 // MIN_SEGMENT_DURATION, produced seconds
	MaxOriginalLength  float64 // MAX_ORIGINAL_VIDEO_LENGTH, source seconds

	// Posting cadence.
	PostDaily         bool          // POST_DAILY
	PostTime          string        // POST_TIME, "HH:MM" in UTC
	MaxRetries        int           // MAX_RETRIES, publish attempts per segment
	DelayBetweenPosts time.Duration // DELAY_BETWEEN_POSTS, seconds
	PollInterval      time.Duration // POLL_INTERVAL_SECONDS, non-daily mode

	// Platform limits.
	MaxClipDuration float64 // INSTAGRAM_MAX_VIDEO_DURATION, seconds
	MaxClipSizeMB   int     // INSTAGRAM_MAX_VIDEO_SIZE_MB

	// Error handling.
	SkipProblematic     bool // SKIP_PROBLEMATIC_VIDEOS
	MaxErrorsBeforeStop int  // MAX_ERRORS_BEFORE_STOP
	HaltOnTotalErrors   bool // HALT_ON_TOTAL_ERRORS, count total instead of consecutive

	// State store backend.
	StateBackend  string // STATE_BACKEND: "file" (default) or "redis"
	StateFilePath string // STATE_FILE
	RedisAddr     string // REDIS_ADDR
	RedisPassword string // REDIS_PASS
	RedisDB       int    // REDIS_DB

	// Source backend.
	SourceBackend        string // SOURCE_BACKEND: "gdrive" (default) or "s3"
	DriveFolderID        string // GDRIVE_FOLDER_ID
	DriveCredentialsFile string // GDRIVE_CREDENTIALS_FILE
	S3Bucket             string // S3_BUCKET
	S3Prefix             string // S3_PREFIX
	S3Region             string // S3_REGION

	// Publisher credentials.
	InstagramToken  string // INSTAGRAM_ACCESS_TOKEN
	InstagramUserID string // INSTAGRAM_USER_ID

	// Optional remote trigger queue.
	KafkaBrokers []string // KAFKA_BOOTSTRAP_SERVERS, comma separated
	KafkaTopic   string   // KAFKA_TOPIC
	KafkaGroupID string   // KAFKA_GROUP_ID

	// Status API.
	APIPort string // API_PORT

	// Workspace.
	DownloadDir string // DOWNLOAD_DIR
	SegmentDir  string // SEGMENT_DIR
}

// Load reads configuration from the environment, applying defaults for
// anything unset, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		SegmentMaxDuration: envFloat("VIDEO_SEGMENT_MAX_DURATION", DefaultSegmentMaxDuration),
		SpeedFactor:        envFloat("SPEED_FACTOR", DefaultSpeedFactor),
		MinSegmentDuration: envFloat("MIN_SEGMENT_DURATION", DefaultMinSegmentDuration),
		MaxOriginalLength:  envFloat("MAX_ORIGINAL_VIDEO_LENGTH", DefaultMaxOriginalLength),

		PostDaily:         envBool("POST_DAILY", true),
		PostTime:          envString("POST_TIME", DefaultPostTime),
		MaxRetries:        envInt("MAX_RETRIES", DefaultMaxRetries),
		DelayBetweenPosts: envSeconds("DELAY_BETWEEN_POSTS", DefaultDelayBetweenPosts),
		PollInterval:      envSeconds("POLL_INTERVAL_SECONDS", DefaultPollInterval),

		MaxClipDuration: envFloat("INSTAGRAM_MAX_VIDEO_DURATION", DefaultMaxClipDuration),
		MaxClipSizeMB:   envInt("INSTAGRAM_MAX_VIDEO_SIZE_MB", DefaultMaxClipSizeMB),

		SkipProblematic:     envBool("SKIP_PROBLEMATIC_VIDEOS", true),
		MaxErrorsBeforeStop: envInt("MAX_ERRORS_BEFORE_STOP", DefaultMaxErrorsBeforeStop),
		HaltOnTotalErrors:   envBool("HALT_ON_TOTAL_ERRORS", false),

		StateBackend:  envString("STATE_BACKEND", "file"),
		StateFilePath: envString("STATE_FILE", StateFile),
		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASS"),
		RedisDB:       envInt("REDIS_DB", 0),

		SourceBackend:        envString("SOURCE_BACKEND", "gdrive"),
		DriveFolderID:        os.Getenv("GDRIVE_FOLDER_ID"),
		DriveCredentialsFile: envString("GDRIVE_CREDENTIALS_FILE", "gdrive_credentials.json"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Prefix:             os.Getenv("S3_PREFIX"),
		S3Region:             os.Getenv("S3_REGION"),

		InstagramToken:  os.Getenv("INSTAGRAM_ACCESS_TOKEN"),
		InstagramUserID: os.Getenv("INSTAGRAM_USER_ID"),

		KafkaTopic:   envString("KAFKA_TOPIC", "video-process-requests"),
		KafkaGroupID: envString("KAFKA_GROUP_ID", "reelpipe-consumer-group"),

		APIPort: envString("API_PORT", "8080"),

		DownloadDir: envString("DOWNLOAD_DIR", DownloadDir),
		SegmentDir:  envString("SEGMENT_DIR", SegmentDir),
	}

	if brokers := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise surface as runtime ffmpeg or
// scheduler failures.
func (c *Config) Validate() error {
	if c.SegmentMaxDuration <= 0 {
		return fmt.Errorf("VIDEO_SEGMENT_MAX_DURATION must be positive, got %v", c.SegmentMaxDuration)
	}
	if c.MinSegmentDuration < 0 {
		return fmt.Errorf("MIN_SEGMENT_DURATION must not be negative, got %v", c.MinSegmentDuration)
	}
	// atempo only accepts factors in [0.5, 2.0] without filter chaining.
	if c.SpeedFactor < 0.5 || c.SpeedFactor > 2.0 {
		return fmt.Errorf("SPEED_FACTOR must be within [0.5, 2.0], got %v", c.SpeedFactor)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.MaxErrorsBeforeStop < 1 {
		return fmt.Errorf("MAX_ERRORS_BEFORE_STOP must be at least 1, got %d", c.MaxErrorsBeforeStop)
	}
	if _, _, err := c.parsePostTime(); err != nil {
		return err
	}
	switch c.StateBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("STATE_BACKEND must be 'file' or 'redis', got %q", c.StateBackend)
	}
	switch c.SourceBackend {
	case "gdrive", "s3":
	default:
		return fmt.Errorf("SOURCE_BACKEND must be 'gdrive' or 's3', got %q", c.SourceBackend)
	}
	return nil
}

// MaxClipSizeBytes returns the platform size limit in bytes.
func (c *Config) MaxClipSizeBytes() int64 {
	return int64(c.MaxClipSizeMB) * 1e6
}

// PostTimeCron converts POST_TIME ("HH:MM") into a five-field cron spec.
func (c *Config) PostTimeCron() (string, error) {
	hour, minute, err := c.parsePostTime()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

func (c *Config) parsePostTime() (hour, minute int, err error) {
	parts := strings.SplitN(c.PostTime, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("POST_TIME must be HH:MM, got %q", c.PostTime)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("POST_TIME has invalid hour %q", parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("POST_TIME has invalid minute %q", parts[1])
	}
	return hour, minute, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
