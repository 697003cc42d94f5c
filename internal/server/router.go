package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/http/handlers"
	"github.com/yungbote/lifelog-backend/internal/http/middleware"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
)

type RouterConfig struct {
	IngestHandler    *handlers.IngestHandler
	RetrievalHandler *handlers.RetrievalHandler
	ManageHandler    *handlers.ManageHandler
	DeviceAuth       *middleware.DeviceAuth
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Device-ID", "X-Admin-Key"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/auth/token", cfg.ManageHandler.IssueToken)
	router.GET("/admin/devices", cfg.ManageHandler.ListDevices)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/api")
	protected.Use(cfg.DeviceAuth.RequireDevice())

	// Upload
	protected.POST("/init", cfg.IngestHandler.Init)
	protected.POST("/chunk", cfg.IngestHandler.Chunk)
	protected.POST("/complete", cfg.IngestHandler.Complete)
	protected.GET("/processing-status/:jobId", cfg.IngestHandler.Status)
	protected.POST("/upload-image", cfg.IngestHandler.UploadImage)
	protected.PUT("/upload-image", cfg.IngestHandler.UploadImage)
	protected.PUT("/upload-video", cfg.IngestHandler.UploadImage)
	protected.GET("/check-image", cfg.IngestHandler.CheckImage)
	protected.POST("/check-all-images-uploaded", cfg.IngestHandler.CheckAllUploaded)

	// Retrieval
	protected.POST("/query/text", cfg.RetrievalHandler.QueryText)
	protected.POST("/query/image", cfg.RetrievalHandler.QueryImage)
	protected.GET("/query/similar", cfg.RetrievalHandler.QuerySimilar)
	protected.POST("/query/similar", cfg.RetrievalHandler.QuerySimilar)
	protected.POST("/query/face", cfg.RetrievalHandler.QueryFace)
	protected.GET("/segments/:date/:segmentId/representatives", cfg.RetrievalHandler.Representatives)

	// Browse
	protected.GET("/dates", cfg.RetrievalHandler.Dates)
	protected.GET("/images/:date", cfg.RetrievalHandler.ImagesByDate)
	protected.POST("/images/range", cfg.RetrievalHandler.ImagesByRange)
	protected.GET("/image", cfg.RetrievalHandler.GetImage)

	// Management
	protected.POST("/assets/delete", cfg.ManageHandler.DeleteAssets)
	protected.POST("/assets/restore", cfg.ManageHandler.RestoreAssets)
	protected.GET("/assets/deleted", cfg.ManageHandler.ListDeleted)
	protected.POST("/assets/force-delete", cfg.ManageHandler.ForceDeleteAssets)
	protected.GET("/whitelist", cfg.ManageHandler.GetWhitelist)
	protected.POST("/whitelist", cfg.ManageHandler.AddWhitelistFace)
	protected.DELETE("/whitelist/:name", cfg.ManageHandler.RemoveWhitelistFace)
	protected.POST("/device/key", cfg.ManageHandler.SetPublicKey)
	protected.GET("/activities", cfg.ManageHandler.GetActivityCategories)
	protected.POST("/segments/:date/:segmentId/activity", cfg.ManageHandler.SetSegmentActivity)

	return router
}

func allowedOrigins() []string {
	raw := envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5174")
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
