package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"reelpipe/api"
	"reelpipe/budget"
	"reelpipe/config"
	"reelpipe/encoder"
	"reelpipe/media"
	"reelpipe/pipeline"
	"reelpipe/publish"
	"reelpipe/queue"
	"reelpipe/scheduler"
	"reelpipe/source"
	"reelpipe/store"
)

func main() {
	runNow := flag.Bool("run-now", false, "process the next pending video immediately and keep running")
	once := flag.Bool("once", false, "process the next pending video and exit")
	flag.Parse()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	if err := checkFFmpeg(); err != nil {
		log.Fatalf("Startup check failed: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	printBanner(cfg)

	for _, dir := range []string{cfg.DownloadDir, cfg.SegmentDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Create work dir %s: %v", dir, err)
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("State store: %v", err)
	}
	defer st.Close()

	src, err := openSource(cfg)
	if err != nil {
		log.Fatalf("Video source: %v", err)
	}

	prober := media.Prober{}
	enc := encoder.New(cfg.SegmentDir, encoder.Limits{
		MaxDuration: cfg.MaxClipDuration,
		MaxBytes:    cfg.MaxClipSizeBytes(),
	})
	pub := publish.NewInstagram(cfg.InstagramToken, cfg.InstagramUserID, cfg.MaxClipSizeBytes())

	mode := budget.HaltOnConsecutive
	if cfg.HaltOnTotalErrors {
		mode = budget.HaltOnTotal
	}
	tracker := budget.New(cfg.MaxErrorsBeforeStop, mode)

	coord := pipeline.New(cfg, st, src, prober, enc, pub, tracker)
	sched := scheduler.New(cfg, st, coord)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if _, err := coord.ProcessNext(ctx); err != nil {
			log.Fatalf("Run failed: %v", err)
		}
		return
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}

	srv := api.NewServer(st, tracker, sched, cfg.APIPort)
	srv.Start()

	var consumer *queue.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err = queue.NewConsumer(queue.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, &kafkaTrigger{coord: coord, sched: sched})
		if err != nil {
			log.Fatalf("Kafka consumer: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("Kafka consumer: %v", err)
		}
	}

	if *runNow {
		go sched.TriggerNow(ctx)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Printf("Closing Kafka consumer: %v", err)
		}
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("Stopping API server: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("Stopping scheduler: %v", err)
	}
	log.Println("Shutdown complete")
}

// kafkaTrigger bridges queue messages onto the coordinator and scheduler.
type kafkaTrigger struct {
	coord *pipeline.Coordinator
	sched *scheduler.Scheduler
}

func (t *kafkaTrigger) ProcessByID(ctx context.Context, id string) error {
	return t.coord.ProcessByID(ctx, id)
}

func (t *kafkaTrigger) TriggerNow(ctx context.Context) {
	t.sched.TriggerNow(ctx)
}

// checkFFmpeg verifies the binaries the encoder and prober shell out to are
// actually installed before any work is accepted.
func checkFFmpeg() error {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH", bin)
		}
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StateBackend {
	case "redis":
		return store.OpenRedisStore(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return store.OpenFileStore(cfg.StateFilePath)
	}
}

func openSource(cfg *config.Config) (source.Source, error) {
	switch cfg.SourceBackend {
	case "s3":
		return source.NewS3Source(context.Background(), source.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
	default:
		return source.NewDriveSource(context.Background(), cfg.DriveCredentialsFile, cfg.DriveFolderID)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Println("==========================================")
	fmt.Println("  ReelPipe - video segmentation pipeline")
	fmt.Println("==========================================")
	fmt.Printf("  Source:        %s\n", cfg.SourceBackend)
	fmt.Printf("  State:         %s\n", cfg.StateBackend)
	fmt.Printf("  Window:        %.0fs at %.2fx speed\n", cfg.SegmentMaxDuration, cfg.SpeedFactor)
	if cfg.PostDaily {
		fmt.Printf("  Cadence:       daily at %s UTC\n", cfg.PostTime)
	} else {
		fmt.Printf("  Cadence:       every %s\n", cfg.PollInterval)
	}
	fmt.Printf("  Retries:       %d attempts per segment\n", cfg.MaxRetries)
	fmt.Printf("  Error budget:  %d\n", cfg.MaxErrorsBeforeStop)
	if os.Getenv("INSTAGRAM_ACCESS_TOKEN") == "" {
		fmt.Println("  WARNING: INSTAGRAM_ACCESS_TOKEN is not set")
	}
	fmt.Println("==========================================")
}
