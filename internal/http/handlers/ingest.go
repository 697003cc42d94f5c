package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/http/middleware"
	"github.com/yungbote/lifelog-backend/internal/ingest"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// maxChunkBytes caps one multipart chunk; archives of any size arrive as
// a sequence of chunks.
const maxChunkBytes = 64 << 20

// maxImageBytes caps a single-file upload.
const maxImageBytes = 32 << 20

type IngestHandler struct {
	log       *logger.Logger
	assembler *ingest.Assembler
}

func NewIngestHandler(log *logger.Logger, assembler *ingest.Assembler) *IngestHandler {
	return &IngestHandler{
		log:       log.With("handler", "IngestHandler"),
		assembler: assembler,
	}
}

// POST /init
// body: { "device": "...", "dateFormat": "%Y%m%d_%H%M%S" }
func (h *IngestHandler) Init(c *gin.Context) {
	var req struct {
		Device     string `json:"device"`
		DateFormat string `json:"dateFormat"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	device := middleware.Device(c)
	if req.Device != "" && req.Device != device {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_DENIED", "detail": "token is for a different device"})
		return
	}
	uploadID, err := h.assembler.Init(c.Request.Context(), device, req.DateFormat)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploadId": uploadID})
}

// POST /chunk (multipart/form-data)
// fields: uploadId, chunkIndex, totalChunks, chunk (file)
func (h *IngestHandler) Chunk(c *gin.Context) {
	uploadID := strings.TrimSpace(c.PostForm("uploadId"))
	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "chunkIndex must be an integer"})
		return
	}
	totalChunks, err := strconv.Atoi(c.PostForm("totalChunks"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "totalChunks must be an integer"})
		return
	}
	fh, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "missing chunk file"})
		return
	}
	if fh.Size > maxChunkBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "chunk too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	if err := h.assembler.AppendChunk(c.Request.Context(), uploadID, chunkIndex, totalChunks, f); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /complete
// body: { "uploadId": "..." }
func (h *IngestHandler) Complete(c *gin.Context) {
	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	jobID, err := h.assembler.Complete(c.Request.Context(), req.UploadID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID})
}

// GET /processing-status/:jobId
func (h *IngestHandler) Status(c *gin.Context) {
	job, err := h.assembler.Status(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":    c.Param("jobId"),
		"status":   job.Status,
		"progress": job.Progress,
		"message":  job.Message,
		"files":    job.TrackedFiles,
	})
}

// GET /check-image?filename=...
func (h *IngestHandler) CheckImage(c *gin.Context) {
	filename := strings.TrimSpace(c.Query("filename"))
	if filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "filename required"})
		return
	}
	exists, path, err := h.assembler.HasUploaded(c.Request.Context(), middleware.Device(c), filename)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists, "path": path})
}

// POST /check-all-images-uploaded
// body: { "files": ["20240610_081500.jpg", ...] }; returns the subset
// still missing.
func (h *IngestHandler) CheckAllUploaded(c *gin.Context) {
	var req struct {
		Files []string `json:"files"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	missing, err := h.assembler.MissingUploads(c.Request.Context(), middleware.Device(c), req.Files)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missing": missing, "allUploaded": len(missing) == 0})
}

// POST /upload-image (multipart/form-data)
// field: file. The stem of the client filename carries the capture stamp.
func (h *IngestHandler) UploadImage(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		respondError(c, err)
		return
	}
	if len(raw) > maxImageBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "file too large"})
		return
	}

	path, err := h.assembler.UploadImage(c.Request.Context(), middleware.Device(c), fh.Filename, raw)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}
