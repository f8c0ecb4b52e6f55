// Package ledger is the Vector Ledger: hash-only audit records for vectors
// and payloads, verification against those records, and daily Merkle
// rollups with inclusion proofs.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	// DateLayout is the batch date format of daily rollups.
	DateLayout = "2006-01-02"
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertVectorEvent(ctx context.Context, rec persistence.VectorEvent) (persistence.VectorEvent, error)
	GetVectorEvent(ctx context.Context, id string) (persistence.VectorEvent, error)
	ListVectorHistory(ctx context.Context, objectType, objectID string, limit int) ([]persistence.VectorEvent, error)
	ListVectorEventsBetween(ctx context.Context, from, to time.Time) ([]persistence.VectorEvent, error)
	UpsertMerkleRoot(ctx context.Context, root persistence.MerkleRoot) error
	GetMerkleRoot(ctx context.Context, batchDate string) (persistence.MerkleRoot, error)
}

// Publisher is the part of the bus the ledger depends on.
type Publisher interface {
	PublishInternal(ctx context.Context, ev bus.Event) (bus.Event, error)
}

// Config holds the ledger's dependencies.
type Config struct {
	Store   Store
	Bus     Publisher
	Algo    hashing.Algo
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Service implements the ledger operations.
type Service struct {
	store    Store
	bus      Publisher
	algo     hashing.Algo
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	validate *validator.Validate

	tsMu   sync.Mutex
	lastTS time.Time
}

// New creates a ledger Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	algo := cfg.Algo
	if !algo.Valid() {
		algo = hashing.Default
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		bus:      cfg.Bus,
		algo:     algo,
		logger:   logger.With("component", "vector_ledger"),
		metrics:  cfg.Metrics,
		tracer:   otel.TracerOrNoop(cfg.Tracer),
		now:      now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Algo returns the service's default hash algorithm.
func (s *Service) Algo() hashing.Algo {
	return s.algo
}

// LogRequest asks the ledger to record hashes for a vector and its payload.
type LogRequest struct {
	ID         string          `json:"id,omitempty" validate:"omitempty,max=128"`
	ObjectType string          `json:"objectType" validate:"required,max=128"`
	ObjectID   string          `json:"objectId" validate:"required,max=256"`
	Model      string          `json:"model" validate:"required,max=128"`
	Vector     []float64       `json:"vector,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	HashAlgo   string          `json:"hashAlgo,omitempty"`
}

func (s *Service) validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %q", bus.ErrValidation, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", bus.ErrValidation, err)
}

// payloadHash hashes payload as canonical JSON. A missing or null payload
// hashes as {}.
func payloadHash(a hashing.Algo, payload json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return hashing.JSON(a, nil)
	}
	return hashing.JSON(a, payload)
}

// LogVectorEvent hashes the request, stores the record, announces it on the
// Vault topic and returns the stored row.
func (s *Service) LogVectorEvent(ctx context.Context, req LogRequest) (persistence.VectorEvent, error) {
	if err := s.validate.Struct(req); err != nil {
		return persistence.VectorEvent{}, s.validationError(err)
	}
	algo := s.algo
	if req.HashAlgo != "" {
		a, err := hashing.ParseAlgo(req.HashAlgo)
		if err != nil {
			return persistence.VectorEvent{}, fmt.Errorf("%w: %v", bus.ErrValidation, err)
		}
		algo = a
	}
	ph, err := payloadHash(algo, req.Payload)
	if err != nil {
		return persistence.VectorEvent{}, fmt.Errorf("%w: payload: %v", bus.ErrValidation, err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := persistence.VectorEvent{
		ID:          id,
		ObjectType:  req.ObjectType,
		ObjectID:    req.ObjectID,
		Model:       req.Model,
		Dim:         len(req.Vector),
		HashAlgo:    string(algo),
		VecHash:     hashing.Vector(algo, req.Vector),
		PayloadHash: ph,
		CreatedAt:   s.nextTS(),
	}
	stored, err := s.store.InsertVectorEvent(ctx, rec)
	if err != nil {
		return persistence.VectorEvent{}, err
	}
	s.metrics.RecordVectorLogged(ctx, stored.HashAlgo)
	s.logger.Info("vector event logged",
		"record_id", stored.ID, "object_type", stored.ObjectType, "object_id", stored.ObjectID, "hash_algo", stored.HashAlgo)

	if s.bus != nil {
		_, err := s.bus.PublishInternal(ctx, bus.Event{
			Topic:  bus.TopicVault,
			Source: bus.SourceVectorLedger,
			Type:   bus.TypeVectorEventLogged,
			Payload: bus.MustPayload(map[string]string{
				"id":         stored.ID,
				"objectType": stored.ObjectType,
				"objectId":   stored.ObjectID,
				"vecHash":    stored.VecHash,
			}),
		})
		if err != nil {
			s.logger.Warn("publish vector.event.logged failed", "record_id", stored.ID, "error", err)
		}
	}
	return stored, nil
}

// nextTS returns a strictly increasing creation time so that rollup order
// follows insertion order even when the clock stalls or steps back.
func (s *Service) nextTS() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

// GetVectorHistory returns an object's records newest first.
func (s *Service) GetVectorHistory(ctx context.Context, objectType, objectID string, limit int) ([]persistence.VectorEvent, error) {
	if objectType == "" || objectID == "" {
		return nil, fmt.Errorf("%w: objectType and objectId are required", bus.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.store.ListVectorHistory(ctx, objectType, objectID, limit)
}

// VerifyRequest carries the material to check against a stored record. A
// nil Vector or Payload is not checked.
type VerifyRequest struct {
	ID      string          `json:"id" validate:"required"`
	Vector  []float64       `json:"vector,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VerifyResult reports which parts matched. A missing record yields
// OK=false with Reason "not_found".
type VerifyResult struct {
	OK                  bool   `json:"ok"`
	Reason              string `json:"reason,omitempty"`
	VecMatches          bool   `json:"vecMatches"`
	PayloadMatches      bool   `json:"payloadMatches"`
	ExpectedVecHash     string `json:"expectedVecHash,omitempty"`
	ComputedVecHash     string `json:"computedVecHash,omitempty"`
	ExpectedPayloadHash string `json:"expectedPayloadHash,omitempty"`
	ComputedPayloadHash string `json:"computedPayloadHash,omitempty"`
}

// VerifyVectorEvent recomputes hashes with the record's own algorithm.
func (s *Service) VerifyVectorEvent(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return VerifyResult{}, s.validationError(err)
	}
	rec, err := s.store.GetVectorEvent(ctx, req.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return VerifyResult{OK: false, Reason: "not_found"}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}

	algo := hashing.Algo(rec.HashAlgo)
	res := VerifyResult{
		VecMatches:          true,
		PayloadMatches:      true,
		ExpectedVecHash:     rec.VecHash,
		ExpectedPayloadHash: rec.PayloadHash,
	}
	if req.Vector != nil {
		res.ComputedVecHash = hashing.Vector(algo, req.Vector)
		res.VecMatches = res.ComputedVecHash == rec.VecHash
	}
	if req.Payload != nil {
		ph, err := payloadHash(algo, req.Payload)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("%w: payload: %v", bus.ErrValidation, err)
		}
		res.ComputedPayloadHash = ph
		res.PayloadMatches = ph == rec.PayloadHash
	}
	res.OK = res.VecMatches && res.PayloadMatches
	if !res.OK {
		res.Reason = "mismatch"
	}
	return res, nil
}
