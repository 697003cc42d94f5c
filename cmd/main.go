package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/clients/hooks"
	redisclient "github.com/yungbote/lifelog-backend/internal/clients/redis"
	"github.com/yungbote/lifelog-backend/internal/data/db"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	devicerepo "github.com/yungbote/lifelog-backend/internal/data/repos/devices"
	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/http/handlers"
	"github.com/yungbote/lifelog-backend/internal/http/middleware"
	"github.com/yungbote/lifelog-backend/internal/ingest"
	"github.com/yungbote/lifelog-backend/internal/pipeline"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/localmedia"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/qdrant"
	"github.com/yungbote/lifelog-backend/internal/reconciler"
	"github.com/yungbote/lifelog-backend/internal/retrieval"
	"github.com/yungbote/lifelog-backend/internal/segmenter"
	"github.com/yungbote/lifelog-backend/internal/server"
	"github.com/yungbote/lifelog-backend/internal/vision"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Record store
	dbService, err := db.NewService(log)
	if err != nil {
		log.Error("Record store init failed", "error", err)
		os.Exit(1)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Error("Record store migration failed", "error", err)
		os.Exit(1)
	}
	gdb := dbService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	recordRepo := assetrepo.NewAssetRecordRepo(gdb, log)
	deviceRepo := devicerepo.NewDeviceRepo(gdb, log)

	// Device services
	registry := devices.NewRegistry(log, deviceRepo)
	tokens, err := devices.NewTokenService()
	if err != nil {
		log.Error("Could not init TokenService", "error", err)
		os.Exit(1)
	}
	envelope, err := devices.NewEnvelopeFromEnv()
	if err != nil {
		log.Warn("Sealed-box envelope unavailable", "error", err)
	}

	// Storage and media
	store := assets.NewStore(log)
	media := localmedia.New(log)

	// Vector index
	qcfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Qdrant config invalid", "error", err)
		os.Exit(1)
	}
	index, err := qdrant.NewIndex(log, qcfg)
	if err != nil {
		log.Error("Could not init vector index", "error", err)
		os.Exit(1)
	}

	// Vision sidecar
	visionClient, err := vision.NewFromEnv()
	if err != nil {
		log.Error("Could not init vision client", "error", err)
		os.Exit(1)
	}

	// Redis-backed state, with in-process fallbacks for single-node runs
	tracker, err := redisclient.NewJobTracker(log)
	if err != nil {
		log.Warn("Redis job tracker unavailable, using in-memory tracker", "error", err)
		tracker = redisclient.NewMemoryTracker()
	}
	var bus redisclient.SegmentBus
	if hookBus, hookErr := hooks.NewWebhookSegmentBus(log); hookErr == nil {
		bus = hookBus
	} else if redisBus, redisErr := redisclient.NewSegmentBus(log); redisErr == nil {
		bus = redisBus
	} else {
		log.Warn("No segment event sink configured, segment events disabled",
			"hookError", hookErr, "redisError", redisErr)
		bus = redisclient.NopSegmentBus{}
	}

	// Pipeline
	log.Info("Setting up processing pipeline from main...")
	labels, err := pipeline.LoadPrivacyLabels()
	if err != nil {
		log.Error("Could not load privacy labels", "error", err)
		os.Exit(1)
	}
	proc, err := pipeline.New(log, pipeline.Options{
		Store:         store,
		Records:       recordRepo,
		Registry:      registry,
		Embedder:      visionClient,
		Detector:      visionClient,
		Faces:         visionClient,
		Masker:        visionClient,
		Index:         index,
		Media:         media,
		FaceModel:     envutil.Str("FACE_MODEL", "facenet512"),
		PrivacyLabels: labels,
	})
	if err != nil {
		log.Error("Could not init pipeline", "error", err)
		os.Exit(1)
	}

	seg := segmenter.New(log, recordRepo, index, bus, visionClient.Model())

	queue := pipeline.NewQueue(log, envutil.Int("PIPELINE_QUEUE_CAPACITY", 1024))
	worker := pipeline.NewWorker(log, queue, proc, tracker, seg, envutil.Int("PIPELINE_WORKERS", 2))

	ctx := context.Background()
	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Error("Pipeline worker stopped", "error", err)
		}
	}()

	// Ingest
	assembler := ingest.NewAssembler(log, store, recordRepo, registry, tracker, queue, media, envelope)

	// Retrieval
	engine := retrieval.NewEngine(log, recordRepo, registry, visionClient, visionClient, index, envutil.Str("FACE_MODEL", "facenet512"))

	// Reconciler
	rec := reconciler.New(log, reconciler.Options{
		Store:      store,
		Records:    recordRepo,
		Devices:    deviceRepo,
		Processor:  proc,
		Index:      index,
		Segmenter:  seg,
		EmbedModel: visionClient.Model(),
		FaceModel:  envutil.Str("FACE_MODEL", "facenet512"),
	})
	go rec.Run(ctx)

	// Handlers and middleware
	log.Info("Setting up handlers from main...")
	ingestHandler := handlers.NewIngestHandler(log, assembler)
	retrievalHandler := handlers.NewRetrievalHandler(log, engine, recordRepo, store)
	categories, err := segmenter.LoadActivityCategories()
	if err != nil {
		log.Error("Could not load activity categories", "error", err)
		os.Exit(1)
	}
	manageHandler := handlers.NewManageHandler(log, recordRepo, deviceRepo, registry, visionClient, tokens, proc, categories)
	deviceAuth := middleware.NewDeviceAuth(log, tokens)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		IngestHandler:    ingestHandler,
		RetrievalHandler: retrievalHandler,
		ManageHandler:    manageHandler,
		DeviceAuth:       deviceAuth,
	})

	port := envutil.Str("PORT", "8080")
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
