package handlers

import (
	"crypto/subtle"
	"encoding/base64"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	devicerepo "github.com/yungbote/lifelog-backend/internal/data/repos/devices"
	"github.com/yungbote/lifelog-backend/internal/devices"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/http/middleware"
	"github.com/yungbote/lifelog-backend/internal/pipeline"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/segmenter"
	"github.com/yungbote/lifelog-backend/internal/vision"
)

// whitelistCropMaxSide keeps stored whitelist thumbnails small.
const whitelistCropMaxSide = 256

type ManageHandler struct {
	log        *logger.Logger
	records    assetrepo.AssetRecordRepo
	deviceRepo devicerepo.DeviceRepo
	registry   devices.Registry
	faces      vision.FaceEngine
	tokens     devices.TokenService
	proc       pipeline.Processor
	categories map[string]segmenter.ActivityCategory
}

func NewManageHandler(log *logger.Logger, records assetrepo.AssetRecordRepo, deviceRepo devicerepo.DeviceRepo, registry devices.Registry, faces vision.FaceEngine, tokens devices.TokenService, proc pipeline.Processor, categories map[string]segmenter.ActivityCategory) *ManageHandler {
	if len(categories) == 0 {
		categories = segmenter.DefaultActivityCategories
	}
	return &ManageHandler{
		log:        log.With("handler", "ManageHandler"),
		records:    records,
		deviceRepo: deviceRepo,
		registry:   registry,
		faces:      faces,
		tokens:     tokens,
		proc:       proc,
		categories: categories,
	}
}

// POST /assets/delete
// body: { "paths": ["2024-05-01/20240501_091500.jpg", ...] }
// Tombstones only; bytes survive until the retention window lapses.
func (h *ManageHandler) DeleteAssets(c *gin.Context) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	if len(req.Paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "paths required"})
		return
	}
	n, err := h.records.MarkDeleted(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c), req.Paths, time.Now().UnixMilli())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// POST /assets/restore
// body: { "paths": [...] }
func (h *ManageHandler) RestoreAssets(c *gin.Context) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	n, err := h.records.Restore(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c), req.Paths)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": n})
}

// GET /assets/deleted
// Listing the trash also opportunistically reports what the next
// retention sweep will purge.
func (h *ManageHandler) ListDeleted(c *gin.Context) {
	recs, err := h.records.ListDeleted(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c))
	if err != nil {
		respondError(c, err)
		return
	}
	cutoff := time.Now().Add(-envutil.Duration("DELETE_RETENTION", 30*24*time.Hour)).UnixMilli()
	expiring := 0
	for _, r := range recs {
		if r.DeleteTime != nil && *r.DeleteTime < cutoff {
			expiring++
		}
	}
	c.JSON(http.StatusOK, gin.H{"assets": recs, "expiring": expiring})
}

// POST /assets/force-delete
// body: { "paths": [...] }
// Skips the retention window: bytes, thumbnail, vectors, and record go
// immediately.
func (h *ManageHandler) ForceDeleteAssets(c *gin.Context) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	if len(req.Paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "paths required"})
		return
	}
	device := middleware.Device(c)
	removed := 0
	for _, p := range req.Paths {
		if err := h.proc.Cleanup(c.Request.Context(), device, p); err != nil {
			respondError(c, err)
			return
		}
		removed++
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// GET /whitelist
// Returns each name with up to two stored face crops for client display.
func (h *ManageHandler) GetWhitelist(c *gin.Context) {
	wl, err := h.registry.Whitelist(c.Request.Context(), middleware.Device(c))
	if err != nil {
		respondError(c, err)
		return
	}
	type entry struct {
		Name    string   `json:"name"`
		Faces   int      `json:"faces"`
		Cropped []string `json:"cropped,omitempty"`
	}
	out := make([]entry, 0, len(wl))
	for _, f := range wl {
		crops := f.Cropped
		if len(crops) > 2 {
			crops = crops[:2]
		}
		out = append(out, entry{Name: f.Name, Faces: len(f.Embeddings), Cropped: crops})
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": out})
}

// POST /whitelist (multipart/form-data)
// fields: name, one or more "photo" files containing the person's face.
// Every detected face embedding becomes a reference for the name.
func (h *ManageHandler) AddWhitelistFace(c *gin.Context) {
	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "name required"})
		return
	}
	form, err := c.MultipartForm()
	if err != nil || len(form.File["photo"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "at least one photo required"})
		return
	}

	face := domain.WhitelistFace{Name: name}
	for _, fh := range form.File["photo"] {
		raw, ok := readMultipartFile(c, fh)
		if !ok {
			return
		}
		found, err := h.faces.DetectFaces(c.Request.Context(), raw)
		if err != nil {
			respondError(c, err)
			return
		}
		img, decErr := assets.DecodeImage(raw)
		for _, f := range found {
			face.Embeddings = append(face.Embeddings, f.Embedding)
			if decErr != nil {
				continue
			}
			if crop := encodeFaceCrop(img, f.BBox); crop != "" {
				face.Cropped = append(face.Cropped, crop)
			}
		}
	}
	if len(face.Embeddings) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "CORRUPT_ASSET", "detail": "no face found in any photo"})
		return
	}
	if err := h.registry.AddWhitelistFace(c.Request.Context(), middleware.Device(c), face); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "embeddings": len(face.Embeddings)})
}

// DELETE /whitelist/:name
func (h *ManageHandler) RemoveWhitelistFace(c *gin.Context) {
	if err := h.registry.RemoveWhitelistFace(c.Request.Context(), middleware.Device(c), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /device/key
// body: { "publicKey": "<64 hex chars>" }
func (h *ManageHandler) SetPublicKey(c *gin.Context) {
	var req struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	if err := h.registry.SetPublicKey(c.Request.Context(), middleware.Device(c), req.PublicKey); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /activities
func (h *ManageHandler) GetActivityCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": h.categories})
}

// POST /segments/:date/:segmentId/activity
// body: { "activity": "...", "description": "..." }
// Writeback endpoint for the external description worker.
func (h *ManageHandler) SetSegmentActivity(c *gin.Context) {
	segID, err := strconv.Atoi(c.Param("segmentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "segmentId must be an integer"})
		return
	}
	var req struct {
		Activity    string `json:"activity"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	activity := strings.ToLower(strings.TrimSpace(req.Activity))
	if activity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "activity required"})
		return
	}
	if _, known := h.categories[activity]; !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "unknown activity category"})
		return
	}
	n, err := h.records.SetActivity(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c), c.Param("date"), segID, activity, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "detail": "no such segment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// GET /admin/devices
// headers: X-Admin-Key
func (h *ManageHandler) ListDevices(c *gin.Context) {
	if !h.adminAuthorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_DENIED"})
		return
	}
	devs, err := h.deviceRepo.List(dbctx.Context{Ctx: c.Request.Context()})
	if err != nil {
		respondError(c, err)
		return
	}
	ids := make([]string, 0, len(devs))
	for _, d := range devs {
		ids = append(ids, d.DeviceID)
	}
	c.JSON(http.StatusOK, gin.H{"devices": ids})
}

func (h *ManageHandler) adminAuthorized(c *gin.Context) bool {
	adminKey := envutil.Str("ADMIN_API_KEY", "")
	return adminKey != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Key")), []byte(adminKey)) == 1
}

// POST /auth/token
// headers: X-Admin-Key; body: { "device": "...", "ttlSeconds": 86400 }
// Enrollment endpoint: mints the attestation token a device presents on
// every other route.
func (h *ManageHandler) IssueToken(c *gin.Context) {
	if !h.adminAuthorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_DENIED"})
		return
	}
	var req struct {
		Device     string `json:"device"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	if _, err := h.registry.Ensure(c.Request.Context(), req.Device); err != nil {
		respondError(c, err)
		return
	}
	token, err := h.tokens.Issue(req.Device, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// encodeFaceCrop cuts the face box out of the photo and returns it as a
// small base64 JPEG, empty when the box is degenerate.
func encodeFaceCrop(img image.Image, bbox [4]int) string {
	rect := image.Rect(bbox[0], bbox[1], bbox[2], bbox[3]).Intersect(img.Bounds())
	if rect.Empty() {
		return ""
	}
	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return ""
	}
	crop := assets.ResizeMaxSide(sub.SubImage(rect), whitelistCropMaxSide)
	raw, err := assets.EncodeJPEG(crop, 85)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func readMultipartFile(c *gin.Context, fh *multipart.FileHeader) ([]byte, bool) {
	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxQueryImageBytes))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return raw, true
}
