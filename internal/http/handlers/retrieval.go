package handlers

import (
	"encoding/base64"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lifelog-backend/internal/assets"
	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	assetrepo "github.com/yungbote/lifelog-backend/internal/data/repos/assets"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/http/middleware"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/retrieval"
)

const (
	maxQueryImageBytes = 16 << 20
	// segmentsPerPage paginates the day timeline.
	segmentsPerPage = 20
)

type RetrievalHandler struct {
	log     *logger.Logger
	engine  *retrieval.Engine
	records assetrepo.AssetRecordRepo
	store   assets.Store
}

func NewRetrievalHandler(log *logger.Logger, engine *retrieval.Engine, records assetrepo.AssetRecordRepo, store assets.Store) *RetrievalHandler {
	return &RetrievalHandler{
		log:     log.With("handler", "RetrievalHandler"),
		engine:  engine,
		records: records,
		store:   store,
	}
}

func queryOptions(c *gin.Context) retrieval.QueryOptions {
	topK, _ := strconv.Atoi(c.Query("topK"))
	order := retrieval.OrderRank
	if c.Query("order") == string(retrieval.OrderTime) {
		order = retrieval.OrderTime
	}
	access := domain.AccessOwner
	if lv := c.Query("access"); lv != "" {
		access = domain.ParseAccessLevel(lv)
	}
	return retrieval.QueryOptions{TopK: topK, Order: order, Access: access}
}

// POST /query/text
// body: { "text": "..." }; topK, order, access ride the query string.
func (h *RetrievalHandler) QueryText(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	groups, err := h.engine.QueryText(c.Request.Context(), middleware.Device(c), req.Text, queryOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// POST /query/image (multipart/form-data)
// field: file
func (h *RetrievalHandler) QueryImage(c *gin.Context) {
	raw, ok := readFormImage(c, "file")
	if !ok {
		return
	}
	groups, err := h.engine.QueryImage(c.Request.Context(), middleware.Device(c), raw, queryOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GET /query/similar?path=... (also accepts POST { "path": "..." })
// Similarity search keyed by an asset already in the archive.
func (h *RetrievalHandler) QuerySimilar(c *gin.Context) {
	path := c.Query("path")
	if path == "" && c.Request.Method == http.MethodPost {
		var req struct {
			Path string `json:"path"`
		}
		if err := c.ShouldBindJSON(&req); err == nil {
			path = req.Path
		}
	}
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "path required"})
		return
	}
	groups, err := h.engine.QuerySimilar(c.Request.Context(), middleware.Device(c), path, queryOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// POST /query/face (multipart/form-data)
// fields: one or more "ref" files, each a photo of the person to find.
func (h *RetrievalHandler) QueryFace(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	var refs [][]byte
	for _, fh := range form.File["ref"] {
		f, err := fh.Open()
		if err != nil {
			respondError(c, err)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(f, maxQueryImageBytes))
		f.Close()
		if err != nil {
			respondError(c, err)
			return
		}
		refs = append(refs, raw)
	}
	access := domain.AccessOwner
	if lv := c.Query("access"); lv != "" {
		access = domain.ParseAccessLevel(lv)
	}
	recs, err := h.engine.QueryFace(c.Request.Context(), middleware.Device(c), refs, access)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": recs})
}

// GET /segments/:date/:segmentId/representatives
func (h *RetrievalHandler) Representatives(c *gin.Context) {
	device := middleware.Device(c)
	date := c.Param("date")
	segID, err := strconv.Atoi(c.Param("segmentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "segmentId must be an integer"})
		return
	}
	all, err := h.records.ListByDeviceDate(dbctx.Context{Ctx: c.Request.Context()}, device, date, false)
	if err != nil {
		respondError(c, err)
		return
	}
	var segment []*domain.AssetRecord
	for _, rec := range all {
		if rec.SegmentID != nil && *rec.SegmentID == segID {
			segment = append(segment, rec)
		}
	}
	if len(segment) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "detail": "no such segment"})
		return
	}
	reps, err := h.engine.Representatives(c.Request.Context(), device, segment, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": reps, "total": len(segment)})
}

// GET /dates
func (h *RetrievalHandler) Dates(c *gin.Context) {
	dates, err := h.records.ListDates(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates})
}

// GET /images/:date?hour=09&page=0
// The day timeline: segment groups sorted by first capture, unsegmented
// assets first as singleton groups, twenty segments per page.
func (h *RetrievalHandler) ImagesByDate(c *gin.Context) {
	recs, err := h.records.ListByDeviceDate(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c), c.Param("date"), false)
	if err != nil {
		respondError(c, err)
		return
	}
	if hour := c.Query("hour"); hour != "" {
		filtered := recs[:0]
		for _, r := range recs {
			if r.Hour == hour {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}

	groups := timelineGroups(recs)
	page, _ := strconv.Atoi(c.Query("page"))
	start := page * segmentsPerPage
	if start > len(groups) {
		start = len(groups)
	}
	end := start + segmentsPerPage
	if end > len(groups) {
		end = len(groups)
	}
	c.JSON(http.StatusOK, gin.H{
		"groups": groups[start:end],
		"page":   page,
		"pages":  (len(groups) + segmentsPerPage - 1) / segmentsPerPage,
	})
}

// POST /images/range
// body: { "from": <epoch millis>, "to": <epoch millis> }
func (h *RetrievalHandler) ImagesByRange(c *gin.Context) {
	var req struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": err.Error()})
		return
	}
	recs, err := h.records.ListByTimeRange(dbctx.Context{Ctx: c.Request.Context()}, middleware.Device(c), req.From, req.To)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": recs})
}

// GET /image?path=...
// Serves the redacted thumbnail as a data URL; raw originals never leave
// the server.
func (h *RetrievalHandler) GetImage(c *gin.Context) {
	device := middleware.Device(c)
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "path required"})
		return
	}
	rec, err := h.records.GetByPath(dbctx.Context{Ctx: c.Request.Context()}, device, path)
	if err != nil {
		respondError(c, err)
		return
	}
	if rec.Deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
		return
	}
	raw, err := h.store.OpenThumbnail(device, path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":  path,
		"image": "data:image/webp;base64," + base64.StdEncoding.EncodeToString(raw),
	})
}

// timelineGroups buckets one day's records by segment id. Unsegmented
// records lead as their own groups; segment groups follow newest first,
// with assets inside each group newest first as well.
func timelineGroups(recs []*domain.AssetRecord) []retrieval.Group {
	var loose []retrieval.Group
	bySegment := make(map[int]*retrieval.Group)
	var segGroups []*retrieval.Group
	for _, rec := range recs {
		if rec.SegmentID == nil {
			loose = append(loose, retrieval.Group{Assets: []*domain.AssetRecord{rec}})
			continue
		}
		g, ok := bySegment[*rec.SegmentID]
		if !ok {
			id := *rec.SegmentID
			g = &retrieval.Group{SegmentID: &id}
			bySegment[id] = g
			segGroups = append(segGroups, g)
		}
		g.Assets = append(g.Assets, rec)
	}
	for _, g := range segGroups {
		sort.Slice(g.Assets, func(i, j int) bool {
			return g.Assets[i].CaptureTime > g.Assets[j].CaptureTime
		})
	}
	sort.SliceStable(segGroups, func(i, j int) bool {
		return segGroups[i].Assets[0].CaptureTime > segGroups[j].Assets[0].CaptureTime
	})
	out := loose
	for _, g := range segGroups {
		out = append(out, *g)
	}
	return out
}

func readFormImage(c *gin.Context, field string) ([]byte, bool) {
	fh, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INPUT_INVALID", "detail": "missing " + field})
		return nil, false
	}
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
