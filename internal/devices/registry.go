package devices

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	devicerepo "github.com/yungbote/lifelog-backend/internal/data/repos/devices"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
	"github.com/yungbote/lifelog-backend/internal/platform/vector"
)

// WhitelistMatchThreshold is the dot-product similarity above which a
// detected face takes the whitelist identity.
const WhitelistMatchThreshold = 0.9

// Registry is the per-device state service: rotation matrix, whitelist,
// public key. Read-mostly; everything is cached after first load and the
// cache is invalidated on mutation.
type Registry interface {
	Ensure(ctx context.Context, deviceID string) (*domain.Device, error)
	Transform(ctx context.Context, deviceID string, v []float32) ([]float32, error)
	Whitelist(ctx context.Context, deviceID string) ([]domain.WhitelistFace, error)
	AddWhitelistFace(ctx context.Context, deviceID string, face domain.WhitelistFace) error
	RemoveWhitelistFace(ctx context.Context, deviceID, name string) error
	SetPublicKey(ctx context.Context, deviceID, publicKeyHex string) error
	PublicKey(ctx context.Context, deviceID string) (string, error)
}

type registry struct {
	log  *logger.Logger
	repo devicerepo.DeviceRepo

	mu    sync.RWMutex
	cache map[string]*cachedDevice

	// genMu serializes matrix generation so two dimensions arriving
	// concurrently cannot clobber each other's persisted entry.
	genMu sync.Mutex
}

type cachedDevice struct {
	matrices  map[int][][]float32
	whitelist []domain.WhitelistFace
	publicKey string
}

func NewRegistry(log *logger.Logger, repo devicerepo.DeviceRepo) Registry {
	return &registry{
		log:   log.With("service", "DeviceRegistry"),
		repo:  repo,
		cache: make(map[string]*cachedDevice),
	}
}

func (r *registry) Ensure(ctx context.Context, deviceID string) (*domain.Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, domain.ErrInvalidInput
	}
	return r.repo.GetOrCreate(dbctx.Context{Ctx: ctx}, deviceID)
}

func (r *registry) load(ctx context.Context, deviceID string) (*cachedDevice, error) {
	r.mu.RLock()
	if c, ok := r.cache[deviceID]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	dev, err := r.repo.GetOrCreate(dbctx.Context{Ctx: ctx}, deviceID)
	if err != nil {
		return nil, err
	}
	c := &cachedDevice{
		matrices:  dev.Matrices(),
		whitelist: dev.WhitelistFaces(),
		publicKey: dev.PublicKey,
	}
	r.mu.Lock()
	r.cache[deviceID] = c
	r.mu.Unlock()
	return c, nil
}

func (r *registry) invalidate(deviceID string) {
	r.mu.Lock()
	delete(r.cache, deviceID)
	r.mu.Unlock()
}

// Transform applies the device's persisted rotation for v's dimension,
// generating and persisting a fresh Haar-uniform matrix the first time a
// dimension appears. Each (device, dimension) matrix is written once and
// never replaced; CLIP and face vectors rotate through different entries
// of the same row.
func (r *registry) Transform(ctx context.Context, deviceID string, v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, domain.ErrInvalidInput
	}
	c, err := r.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	m, ok := c.matrices[len(v)]
	if !ok {
		m, err = r.ensureMatrix(ctx, deviceID, len(v))
		if err != nil {
			return nil, err
		}
	}
	return ApplyMatrix(m, v), nil
}

// ensureMatrix persists the rotation for one dimension, merging with the
// matrices already stored so other dimensions survive the write.
func (r *registry) ensureMatrix(ctx context.Context, deviceID string, dim int) ([][]float32, error) {
	r.genMu.Lock()
	defer r.genMu.Unlock()

	dev, err := r.repo.GetOrCreate(dbctx.Context{Ctx: ctx}, deviceID)
	if err != nil {
		return nil, err
	}
	ms := dev.Matrices()
	if m, ok := ms[dim]; ok {
		r.invalidate(deviceID)
		return m, nil
	}

	m, err := NewRotationMatrix(dim)
	if err != nil {
		return nil, err
	}
	if ms == nil {
		ms = make(map[int][][]float32, 1)
	}
	ms[dim] = m
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, deviceID, map[string]interface{}{
		"transform_matrices": domain.MarshalMatrices(ms),
	}); err != nil {
		return nil, fmt.Errorf("persist transform matrix: %w", err)
	}
	r.invalidate(deviceID)
	r.log.Info("generated device transform matrix", "device", deviceID, "dim", dim)
	return m, nil
}

func (r *registry) Whitelist(ctx context.Context, deviceID string) ([]domain.WhitelistFace, error) {
	c, err := r.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return c.whitelist, nil
}

func (r *registry) AddWhitelistFace(ctx context.Context, deviceID string, face domain.WhitelistFace) error {
	if strings.TrimSpace(face.Name) == "" || len(face.Embeddings) == 0 {
		return domain.ErrInvalidInput
	}
	current, err := r.Whitelist(ctx, deviceID)
	if err != nil {
		return err
	}
	merged := false
	out := make([]domain.WhitelistFace, 0, len(current)+1)
	for _, f := range current {
		if f.Name == face.Name {
			f.Embeddings = append(f.Embeddings, face.Embeddings...)
			f.Cropped = append(f.Cropped, face.Cropped...)
			merged = true
		}
		out = append(out, f)
	}
	if !merged {
		out = append(out, face)
	}
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, deviceID, map[string]interface{}{
		"whitelist": domain.MarshalWhitelist(out),
	}); err != nil {
		return err
	}
	r.invalidate(deviceID)
	return nil
}

func (r *registry) RemoveWhitelistFace(ctx context.Context, deviceID, name string) error {
	current, err := r.Whitelist(ctx, deviceID)
	if err != nil {
		return err
	}
	out := make([]domain.WhitelistFace, 0, len(current))
	for _, f := range current {
		if f.Name != name {
			out = append(out, f)
		}
	}
	if len(out) == len(current) {
		return domain.ErrNotFound
	}
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, deviceID, map[string]interface{}{
		"whitelist": domain.MarshalWhitelist(out),
	}); err != nil {
		return err
	}
	r.invalidate(deviceID)
	return nil
}

func (r *registry) SetPublicKey(ctx context.Context, deviceID, publicKeyHex string) error {
	publicKeyHex = strings.TrimSpace(publicKeyHex)
	if publicKeyHex != "" {
		if raw, err := hex.DecodeString(publicKeyHex); err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: public key must be 32 hex-encoded bytes", domain.ErrInvalidInput)
		}
	}
	if err := r.repo.UpdateFields(dbctx.Context{Ctx: ctx}, deviceID, map[string]interface{}{
		"public_key": publicKeyHex,
	}); err != nil {
		return err
	}
	r.invalidate(deviceID)
	return nil
}

func (r *registry) PublicKey(ctx context.Context, deviceID string) (string, error) {
	c, err := r.load(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return c.publicKey, nil
}

// MatchWhitelist compares a face embedding against every whitelist entry
// and returns the matched name when any similarity clears the threshold.
func MatchWhitelist(whitelist []domain.WhitelistFace, emb []float32) (string, bool) {
	norm := vector.Normalize(emb)
	if norm == nil {
		return "", false
	}
	for _, wf := range whitelist {
		for _, ref := range wf.Embeddings {
			refNorm := vector.Normalize(ref)
			if refNorm == nil {
				continue
			}
			if vector.Dot(norm, refNorm) >= WhitelistMatchThreshold {
				return wf.Name, true
			}
		}
	}
	return "", false
}
