package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/config"
	"github.com/verbumlabs/verbum/internal/api/handlers"
	"github.com/verbumlabs/verbum/internal/api/middleware"
	"github.com/verbumlabs/verbum/internal/api/routes"
	"github.com/verbumlabs/verbum/internal/broadcast"
	"github.com/verbumlabs/verbum/internal/cache"
	"github.com/verbumlabs/verbum/internal/logger"
	"github.com/verbumlabs/verbum/internal/models"
	"github.com/verbumlabs/verbum/internal/pipeline"
	"github.com/verbumlabs/verbum/internal/providers/asr"
	"github.com/verbumlabs/verbum/internal/providers/diar"
	mongorepo "github.com/verbumlabs/verbum/internal/repositories/mongo"
	pgrepo "github.com/verbumlabs/verbum/internal/repositories/postgres"
	"github.com/verbumlabs/verbum/internal/services"
	"github.com/verbumlabs/verbum/internal/storage"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()
	settings := config.Load()

	if err := config.InitMongo(); err != nil {
		log.WithError(err).Fatal("mongodb init failed")
	}
	log.Info("mongodb connected")

	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("postgres init failed")
	}
	log.Info("postgres connected")

	if err := config.InitRedis(); err != nil {
		log.WithError(err).Fatal("redis init failed")
	}
	log.Info("redis connected")

	if err := config.EnsureMongoIndexes(); err != nil {
		log.WithError(err).Fatal("mongodb index setup failed")
	}
	if err := config.PostgresDB.AutoMigrate(&models.SpeakerProfile{}); err != nil {
		log.WithError(err).Fatal("postgres migration failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// inference providers
	asrProvider, diarProvider := buildProviders(ctx, log)
	defer asrProvider.Close()
	defer diarProvider.Close()

	// storage: optional, sessions work without an archive bucket
	var uploader storage.Uploader
	if bucket := os.Getenv("GCS_BUCKET"); bucket != "" {
		gcs, err := storage.NewGCSUploader(ctx, bucket)
		if err != nil {
			log.WithError(err).Fatal("gcs init failed")
		}
		defer gcs.Close()
		uploader = gcs
	}

	sessionRepo := mongorepo.NewSessionRepo(config.MongoDatabase())
	speakerRepo := pgrepo.NewSpeakerRepo(config.PostgresDB)
	redisCache := cache.NewRedisCache(config.RedisClient)

	speakerSvc := services.NewSpeakerService(speakerRepo, diarProvider, redisCache, uploader,
		logger.Component(log, "speakers"))

	bus := pipeline.NewBus()
	registry := pipeline.NewRegistry(
		pipeline.Config{
			Window: pipeline.WindowConfig{
				SampleRate:      settings.SampleRate,
				WindowSeconds:   settings.WindowSeconds,
				OverlapSeconds:  settings.OverlapSeconds,
				MinFlushSeconds: settings.MinFlushSeconds,
			},
			MaxPendingWindows: settings.MaxPendingWindows,
			MaxInflight:       settings.MaxInflight,
			IdleTimeout:       settings.IdleTimeout,
			InferenceTimeout:  settings.InferenceTimeout,
			TimeoutRetries:    settings.TimeoutRetries,
			FailureBudget:     settings.FailureBudget,
		},
		settings.MatchThreshold, settings.MatchMargin,
		asrProvider, diarProvider, speakerSvc, sessionRepo, bus, log,
	)

	sessionSvc := services.NewSessionService(sessionRepo, registry, uploader)

	broadcaster := broadcast.NewBroadcaster(config.RedisClient, bus, log)
	go broadcaster.Run(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Session: handlers.NewSessionHandler(sessionSvc),
		Speaker: handlers.NewSpeakerHandler(speakerSvc),
		WS:      handlers.NewWSHandler(sessionSvc, speakerSvc, config.RedisClient, log),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// buildProviders picks the inference backends from the environment. Defaults
// favor the self-hosted stack; Google Cloud Speech is opt-in.
func buildProviders(ctx context.Context, log *logrus.Logger) (asr.Provider, diar.Provider) {
	var asrProvider asr.Provider
	switch os.Getenv("ASR_BACKEND") {
	case "google":
		g, err := asr.NewGoogleSpeech(ctx)
		if err != nil {
			log.WithError(err).Fatal("google speech init failed")
		}
		asrProvider = g
	default:
		url := os.Getenv("WHISPER_URL")
		if url == "" {
			url = "http://localhost:8081"
		}
		asrProvider = asr.NewWhisperHTTP(url)
	}

	diarURL := os.Getenv("DIARIZER_URL")
	if diarURL == "" {
		diarURL = "http://localhost:8082"
	}
	return asrProvider, diar.NewPyannoteHTTP(diarURL)
}
