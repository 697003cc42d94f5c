package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/lifelog-backend/internal/platform/ctxutil"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

const (
	payloadVectorIDKey = "_ll_vector_id"
	maxErrorBodyBytes  = 1024
	scrollPageSize     = 1024
)

var pointIDNamespaceUUID = uuid.MustParse("7c9e4b8a-51d2-4f6e-9a3b-2d8c0e5f71a4")

// index speaks the Qdrant HTTP API. Each (device, model) pair maps to its
// own cosine collection so per-device transforms never mix.
type index struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type fetchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Payload map[string]any  `json:"payload"`
	Vector  []float32       `json:"vector"`
}

func NewIndex(log *logger.Logger, cfg Config) (vector.Index, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s := &index{
		log:     log.With("service", "QdrantIndex"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := s.verifyReady(context.Background()); err != nil {
		return nil, err
	}

	log.Info(
		"Qdrant vector index selected",
		"provider", "qdrant",
		"url", s.baseURL,
		"collection_prefix", cfg.CollectionPrefix,
	)
	return s, nil
}

// CollectionName builds the qdrant collection for a (device, model) pair.
// Device ids and model names can carry characters qdrant rejects, so both
// are flattened first.
func (s *index) collectionName(device, model string) string {
	return s.cfg.CollectionPrefix + "_" + sanitizeToken(device) + "_" + sanitizeToken(model)
}

func sanitizeToken(in string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(in) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

func (s *index) EnsureCollection(ctx context.Context, device, model string, dim int) error {
	const op = "ensure_collection"
	if dim <= 0 {
		return opErr(op, OperationErrorValidation, fmt.Sprintf("invalid vector dim %d", dim), nil)
	}
	name := s.collectionName(device, model)

	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, "/collections/"+name, nil, &info)
	if err == nil {
		if size := info.Config.Params.Vectors.Size; size != 0 && size != dim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d", name, dim, size), nil)
		}
		return nil
	}
	var opErrTyped *OperationError
	if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
		return err
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	if err := s.doJSON(ctx, op, http.MethodPut, "/collections/"+name, req, nil); err != nil {
		// Lost a create race; the collection existing is the goal.
		if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusConflict {
			return nil
		}
		return err
	}
	s.log.Info("created qdrant collection", "collection", name, "dim", dim)
	return nil
}

func (s *index) Upsert(ctx context.Context, device, model string, vectors []vector.Vector) error {
	const op = "upsert"
	if len(vectors) == 0 {
		return nil
	}
	name := s.collectionName(device, model)

	points := make([]map[string]any, 0, len(vectors))
	for _, v := range vectors {
		vectorID := strings.TrimSpace(v.ID)
		if vectorID == "" {
			return opErr(op, OperationErrorValidation, "vector id is required", nil)
		}
		if len(v.Values) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("vector %q has empty values", vectorID), nil)
		}
		payload := clonePayload(v.Metadata)
		payload[payloadVectorIDKey] = vectorID
		points = append(points, map[string]any{
			"id":      s.pointID(name, vectorID),
			"vector":  v.Values,
			"payload": payload,
		})
	}

	req := map[string]any{"points": points}
	return s.doJSON(ctx, op, http.MethodPut, "/collections/"+name+"/points?wait=true", req, nil)
}

func (s *index) QueryMatches(ctx context.Context, device, model string, q []float32, topK int) ([]vector.Match, error) {
	const op = "query"
	if len(q) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if topK <= 0 {
		topK = 10
	}
	name := s.collectionName(device, model)

	req := map[string]any{
		"vector":       q,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	var rawResults []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, "/collections/"+name+"/points/search", req, &rawResults); err != nil {
		var opErrTyped *OperationError
		if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusNotFound {
			// No vectors for this pair yet; an empty result is the answer.
			return nil, nil
		}
		return nil, err
	}

	out := make([]vector.Match, 0, len(rawResults))
	for _, item := range rawResults {
		id := extractVectorID(item)
		if id == "" {
			continue
		}
		out = append(out, vector.Match{ID: id, Score: item.Score, Metadata: item.Payload})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

// FetchVectors retrieves points by vector id with their stored values.
// Ids with no point behind them simply do not appear in the result.
func (s *index) FetchVectors(ctx context.Context, device, model string, ids []string) ([]vector.Vector, error) {
	const op = "fetch"
	if len(ids) == 0 {
		return nil, nil
	}
	name := s.collectionName(device, model)

	pointIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if vectorID := strings.TrimSpace(id); vectorID != "" {
			pointIDs = append(pointIDs, s.pointID(name, vectorID))
		}
	}
	if len(pointIDs) == 0 {
		return nil, nil
	}

	req := map[string]any{
		"ids":          pointIDs,
		"with_payload": true,
		"with_vector":  true,
	}
	var rawResults []fetchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, "/collections/"+name+"/points", req, &rawResults); err != nil {
		var opErrTyped *OperationError
		if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	out := make([]vector.Vector, 0, len(rawResults))
	for _, item := range rawResults {
		id := extractVectorID(searchResultItem{ID: item.ID, Payload: item.Payload})
		if id == "" {
			continue
		}
		out = append(out, vector.Vector{ID: id, Values: item.Vector, Metadata: item.Payload})
	}
	return out, nil
}

func (s *index) ListIDs(ctx context.Context, device, model string) ([]string, error) {
	points, err := s.ListPayloads(ctx, device, model)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(points))
	for _, p := range points {
		out = append(out, p.ID)
	}
	return out, nil
}

func (s *index) ListPayloads(ctx context.Context, device, model string) ([]vector.Vector, error) {
	const op = "scroll"
	name := s.collectionName(device, model)

	var out []vector.Vector
	var offset json.RawMessage
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			req["offset"] = offset
		}
		var page struct {
			Points         []searchResultItem `json:"points"`
			NextPageOffset json.RawMessage    `json:"next_page_offset"`
		}
		if err := s.doJSON(ctx, op, http.MethodPost, "/collections/"+name+"/points/scroll", req, &page); err != nil {
			var opErrTyped *OperationError
			if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusNotFound {
				return nil, nil
			}
			return nil, err
		}
		for _, item := range page.Points {
			if id := extractVectorID(item); id != "" {
				out = append(out, vector.Vector{ID: id, Metadata: item.Payload})
			}
		}
		if len(page.NextPageOffset) == 0 || string(page.NextPageOffset) == "null" {
			return out, nil
		}
		offset = page.NextPageOffset
	}
}

func (s *index) DeleteIDs(ctx context.Context, device, model string, ids []string) error {
	const op = "delete"
	if len(ids) == 0 {
		return nil
	}
	name := s.collectionName(device, model)

	pointIDs := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		vectorID := strings.TrimSpace(id)
		if vectorID == "" {
			continue
		}
		pointID := s.pointID(name, vectorID)
		if _, exists := seen[pointID]; exists {
			continue
		}
		seen[pointID] = struct{}{}
		pointIDs = append(pointIDs, pointID)
	}
	if len(pointIDs) == 0 {
		return nil
	}

	req := map[string]any{"points": pointIDs}
	err := s.doJSON(ctx, op, http.MethodPost, "/collections/"+name+"/points/delete?wait=true", req, nil)
	var opErrTyped *OperationError
	if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (s *index) DropCollection(ctx context.Context, device, model string) error {
	const op = "drop_collection"
	name := s.collectionName(device, model)
	err := s.doJSON(ctx, op, http.MethodDelete, "/collections/"+name, nil, nil)
	var opErrTyped *OperationError
	if errors.As(err, &opErrTyped) && opErrTyped.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (s *index) verifyReady(ctx context.Context) error {
	const op = "bootstrap_verify"

	readyReq, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	readyResp, err := s.http.Do(readyReq)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = readyResp.Body.Close()
	if readyResp.StatusCode < 200 || readyResp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: readyResp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", readyResp.StatusCode),
		}
	}
	return nil
}

func (s *index) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func clonePayload(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *index) pointID(collection, vectorID string) string {
	deterministic := uuid.NewSHA1(pointIDNamespaceUUID, []byte(collection+"|"+vectorID))
	return deterministic.String()
}

func extractVectorID(item searchResultItem) string {
	if payloadID, ok := item.Payload[payloadVectorIDKey].(string); ok {
		id := strings.TrimSpace(payloadID)
		if id != "" {
			return id
		}
	}
	return decodePointID(item.ID)
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}
