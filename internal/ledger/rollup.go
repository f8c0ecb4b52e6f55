package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

// ParseDate parses a YYYY-MM-DD batch date as a UTC day.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD: %v", bus.ErrValidation, err)
	}
	return d, nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

func (s *Service) leaves(algo hashing.Algo, recs []persistence.VectorEvent) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = hashing.LeafHash(algo, r.VecHash, r.PayloadHash)
	}
	return out
}

// RunVectorRollup computes and stores the Merkle root of the UTC day
// containing day. Records are ordered by creation time, then id. A day
// without records stores an empty root with count 0.
func (s *Service) RunVectorRollup(ctx context.Context, day time.Time) (persistence.MerkleRoot, error) {
	start, end := dayBounds(day)
	ctx, span := otel.StartSpan(ctx, s.tracer, "ledger.rollup",
		otel.AttrBatchDate.String(start.Format(DateLayout)),
		otel.AttrHashAlgo.String(string(s.algo)),
	)
	defer span.End()

	recs, err := s.store.ListVectorEventsBetween(ctx, start, end)
	if err != nil {
		span.RecordError(err)
		return persistence.MerkleRoot{}, err
	}
	root := persistence.MerkleRoot{
		BatchDate:  start.Format(DateLayout),
		MerkleRoot: hashing.MerkleRoot(s.algo, s.leaves(s.algo, recs)),
		HashAlgo:   string(s.algo),
		EventCount: len(recs),
		ComputedAt: s.now().UTC(),
	}
	if err := s.store.UpsertMerkleRoot(ctx, root); err != nil {
		return persistence.MerkleRoot{}, err
	}
	s.metrics.RecordRollup(ctx, root.BatchDate)
	s.logger.Info("vector rollup computed",
		"batch_date", root.BatchDate, "event_count", root.EventCount, "merkle_root", root.MerkleRoot)

	if s.bus != nil {
		_, err := s.bus.PublishInternal(ctx, bus.Event{
			Topic:   bus.TopicVault,
			Source:  bus.SourceVectorLedger,
			Type:    bus.TypeRollupCompleted,
			Payload: bus.MustPayload(root),
		})
		if err != nil {
			s.logger.Warn("publish rollup event failed", "batch_date", root.BatchDate, "error", err)
		}
	}
	return root, nil
}

// RollupPreviousDay rolls up the UTC day before now. It is the body of the
// scheduled vector-rollup job.
func (s *Service) RollupPreviousDay(ctx context.Context) error {
	_, err := s.RunVectorRollup(ctx, s.now().UTC().AddDate(0, 0, -1))
	return err
}

// GetRollup returns the stored rollup for a batch date.
func (s *Service) GetRollup(ctx context.Context, batchDate string) (persistence.MerkleRoot, error) {
	if _, err := ParseDate(batchDate); err != nil {
		return persistence.MerkleRoot{}, err
	}
	return s.store.GetMerkleRoot(ctx, batchDate)
}

// Proof ties one record to its day's rollup.
type Proof struct {
	Record       persistence.VectorEvent `json:"record"`
	Leaf         string                  `json:"leaf"`
	Index        int                     `json:"index"`
	Path         []hashing.ProofStep     `json:"path"`
	ComputedRoot string                  `json:"computedRoot"`
	Rollup       *persistence.MerkleRoot `json:"rollup,omitempty"`
	Anchored     bool                    `json:"anchored"`
}

// GetProof builds the inclusion proof for a record from the current contents
// of its day. Anchored is true only when a stored rollup exists and matches.
func (s *Service) GetProof(ctx context.Context, id string) (Proof, error) {
	if id == "" {
		return Proof{}, fmt.Errorf("%w: id is required", bus.ErrValidation)
	}
	rec, err := s.store.GetVectorEvent(ctx, id)
	if err != nil {
		return Proof{}, err
	}
	start, end := dayBounds(rec.CreatedAt)

	algo := s.algo
	var rollup *persistence.MerkleRoot
	stored, err := s.store.GetMerkleRoot(ctx, start.Format(DateLayout))
	switch {
	case err == nil:
		rollup = &stored
		algo = hashing.Algo(stored.HashAlgo)
	case !errors.Is(err, persistence.ErrNotFound):
		return Proof{}, err
	}

	recs, err := s.store.ListVectorEventsBetween(ctx, start, end)
	if err != nil {
		return Proof{}, err
	}
	index := -1
	for i, r := range recs {
		if r.ID == rec.ID {
			index = i
			break
		}
	}
	if index < 0 {
		return Proof{}, fmt.Errorf("record %s missing from its day window", rec.ID)
	}
	leaves := s.leaves(algo, recs)
	path, err := hashing.MerkleProof(algo, leaves, index)
	if err != nil {
		return Proof{}, err
	}
	p := Proof{
		Record:       rec,
		Leaf:         leaves[index],
		Index:        index,
		Path:         path,
		ComputedRoot: hashing.MerkleRoot(algo, leaves),
		Rollup:       rollup,
	}
	p.Anchored = rollup != nil && rollup.MerkleRoot == p.ComputedRoot &&
		hashing.VerifyProof(algo, p.Leaf, p.Path, rollup.MerkleRoot)
	return p, nil
}
