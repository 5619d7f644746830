package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"audio-render-pipeline/internal/config"
	"audio-render-pipeline/internal/logging"
	"audio-render-pipeline/internal/models"
	"audio-render-pipeline/internal/notify"
	"audio-render-pipeline/internal/queue"
	"audio-render-pipeline/internal/render"
	"audio-render-pipeline/internal/store"
	"audio-render-pipeline/internal/telemetry"
	"audio-render-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, queue.Options{LeaseTTL: cfg.LockLease})
	notifier := notify.NewRedisNotifier(redisClient)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		logger.Fatal("init render engine", zap.Error(err))
	}

	processor := worker.NewProcessor(cfg, q, st, engine, notifier, logger, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("lock_lease", cfg.LockLease),
		zap.Duration("backoff_initial", cfg.BackoffInitial))
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}

func buildEngine(ctx context.Context, cfg config.Config) (*render.FFmpegEngine, error) {
	tts := make(map[string]render.TTSClient)
	if cfg.OpenAIAPIKey != "" {
		tts[models.VoiceProviderOpenAI] = render.NewOpenAIClient(cfg.OpenAIAPIKey, "", cfg.OpenAITTSModel)
	}
	if cfg.ElevenLabsAPIKey != "" {
		tts[models.VoiceProviderElevenLabs] = render.NewElevenLabsClient(cfg.ElevenLabsAPIKey, "")
	}

	var uploader render.Uploader
	if cfg.S3Bucket != "" {
		var err error
		uploader, err = render.NewS3Uploader(ctx, render.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return nil, err
		}
	} else {
		uploader = render.NewLocalUploader(cfg.OutputDir)
	}

	return render.NewFFmpegEngine(render.EngineOptions{
		FFmpegPath:   cfg.FFmpegPath,
		WorkDir:      cfg.RenderTmpDir,
		AssetBaseURL: cfg.AssetBaseURL,
		TTS:          tts,
		Uploader:     uploader,
	}), nil
}
