package ledger_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
	"github.com/BrandonDucar/dream-net-sub003/internal/ledger"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

type fixture struct {
	svc   *ledger.Service
	store *persistence.Store
	bus   *bus.Bus
	clock time.Time
}

func newFixture(t *testing.T, algo hashing.Algo) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, clock: time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)}
	f.bus = bus.New(bus.Config{Log: store})
	f.svc = ledger.New(ledger.Config{
		Store: store,
		Bus:   f.bus,
		Algo:  algo,
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		},
	})
	return f
}

func TestLogVectorEvent_StoresHashesOnly(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	var announced []bus.Event
	f.bus.Subscribe([]bus.Topic{bus.TopicVault}, func(_ context.Context, ev bus.Event) error {
		announced = append(announced, ev)
		return nil
	})

	vec := []float64{0.1, 0.2, 0.3}
	rec, err := f.svc.LogVectorEvent(context.Background(), ledger.LogRequest{
		ObjectType: "dream", ObjectID: "d-1", Model: "embed-v1",
		Vector: vec, Payload: json.RawMessage(`{"b":2,"a":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, rec.Dim)
	assert.Equal(t, "SHA-256", rec.HashAlgo)
	assert.Equal(t, hashing.Vector(hashing.SHA256, vec), rec.VecHash)
	want, _ := hashing.JSON(hashing.SHA256, json.RawMessage(`{"a":1,"b":2}`))
	assert.Equal(t, want, rec.PayloadHash)

	require.Len(t, announced, 1)
	assert.Equal(t, bus.TypeVectorEventLogged, announced[0].Type)
	assert.Equal(t, bus.SourceVectorLedger, announced[0].Source)
	var payload map[string]string
	require.NoError(t, announced[0].DecodePayload(&payload))
	assert.Equal(t, rec.ID, payload["id"])
	assert.Equal(t, rec.VecHash, payload["vecHash"])
}

func TestLogVectorEvent_EmptyVectorAndPayload(t *testing.T) {
	f := newFixture(t, hashing.BLAKE3)
	rec, err := f.svc.LogVectorEvent(context.Background(), ledger.LogRequest{ObjectType: "post", ObjectID: "p", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, hashing.Bytes(hashing.BLAKE3, nil), rec.VecHash)
	assert.Equal(t, hashing.String(hashing.BLAKE3, "{}"), rec.PayloadHash)
	assert.Zero(t, rec.Dim)
}

func TestLogVectorEvent_Validation(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	_, err := f.svc.LogVectorEvent(context.Background(), ledger.LogRequest{ObjectType: "dream", Model: "m"})
	assert.ErrorIs(t, err, bus.ErrValidation)

	_, err = f.svc.LogVectorEvent(context.Background(), ledger.LogRequest{ObjectType: "dream", ObjectID: "x", Model: "m", HashAlgo: "md5"})
	assert.ErrorIs(t, err, bus.ErrValidation)
}

func TestLogVectorEvent_PerRequestAlgo(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	rec, err := f.svc.LogVectorEvent(context.Background(), ledger.LogRequest{
		ObjectType: "dream", ObjectID: "x", Model: "m", Vector: []float64{1}, HashAlgo: "sha3-512",
	})
	require.NoError(t, err)
	assert.Equal(t, "SHA3-512", rec.HashAlgo)
	assert.Len(t, rec.VecHash, 128)
}

func TestGetVectorHistory(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := f.svc.LogVectorEvent(ctx, ledger.LogRequest{ObjectType: "dream", ObjectID: "d", Model: "m", Vector: []float64{float64(i)}})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	hist, err := f.svc.GetVectorHistory(ctx, "dream", "d", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, ids[2], hist[0].ID)
	assert.Equal(t, ids[0], hist[2].ID)

	_, err = f.svc.GetVectorHistory(ctx, "", "d", 0)
	assert.ErrorIs(t, err, bus.ErrValidation)
}

func TestVerifyVectorEvent(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	ctx := context.Background()
	vec := []float64{1.5, -2.25}
	rec, err := f.svc.LogVectorEvent(ctx, ledger.LogRequest{
		ObjectType: "dream", ObjectID: "d", Model: "m", Vector: vec, Payload: json.RawMessage(`{"title":"moon"}`),
	})
	require.NoError(t, err)

	res, err := f.svc.VerifyVectorEvent(ctx, ledger.VerifyRequest{ID: rec.ID, Vector: vec, Payload: json.RawMessage(`{ "title": "moon" }`)})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.VecMatches)
	assert.True(t, res.PayloadMatches)

	res, err = f.svc.VerifyVectorEvent(ctx, ledger.VerifyRequest{ID: rec.ID, Vector: []float64{1.5, -2.5}})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, res.VecMatches)
	assert.True(t, res.PayloadMatches, "omitted payload counts as matching")
	assert.Equal(t, rec.VecHash, res.ExpectedVecHash)
	assert.NotEqual(t, res.ExpectedVecHash, res.ComputedVecHash)

	res, err = f.svc.VerifyVectorEvent(ctx, ledger.VerifyRequest{ID: rec.ID, Payload: json.RawMessage(`{"title":"sun"}`)})
	require.NoError(t, err)
	assert.False(t, res.PayloadMatches)
	assert.True(t, res.VecMatches)

	res, err = f.svc.VerifyVectorEvent(ctx, ledger.VerifyRequest{ID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, ledger.VerifyResult{OK: false, Reason: "not_found"}, res)
}

func TestVerifyUsesRecordAlgorithm(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	ctx := context.Background()
	rec, err := f.svc.LogVectorEvent(ctx, ledger.LogRequest{ObjectType: "o", ObjectID: "i", Model: "m", Vector: []float64{3}, HashAlgo: "BLAKE3"})
	require.NoError(t, err)
	res, err := f.svc.VerifyVectorEvent(ctx, ledger.VerifyRequest{ID: rec.ID, Vector: []float64{3}})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestRollup_ThreeVectorsMatchesManualReduction(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	ctx := context.Background()
	vectors := [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	var recs []persistence.VectorEvent
	for i, v := range vectors {
		rec, err := f.svc.LogVectorEvent(ctx, ledger.LogRequest{
			ObjectType: "dream", ObjectID: "d", Model: "m", Vector: v,
			Payload: json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	root, err := f.svc.RunVectorRollup(ctx, f.clock)
	require.NoError(t, err)

	h := func(s string) string { return hashing.String(hashing.SHA256, s) }
	l := make([]string, 3)
	for i, r := range recs {
		l[i] = h(r.VecHash + r.PayloadHash)
	}
	want := h(h(l[0]+l[1]) + h(l[2]+l[2]))

	assert.Equal(t, "2026-08-14", root.BatchDate)
	assert.Equal(t, 3, root.EventCount)
	assert.Equal(t, want, root.MerkleRoot)

	again, err := f.svc.RunVectorRollup(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, root.MerkleRoot, again.MerkleRoot, "recomputation is deterministic")

	stored, err := f.svc.GetRollup(ctx, "2026-08-14")
	require.NoError(t, err)
	assert.Equal(t, want, stored.MerkleRoot)
}

func TestRollup_StalledClockKeepsInsertionOrder(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fixed := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	svc := ledger.New(ledger.Config{Store: store, Algo: hashing.SHA256, Now: func() time.Time { return fixed }})
	ctx := context.Background()

	// Ids sort opposite to insertion order.
	var leaves []string
	for i, id := range []string{"z-first", "m-second", "a-third"} {
		rec, err := svc.LogVectorEvent(ctx, ledger.LogRequest{
			ID: id, ObjectType: "dream", ObjectID: "d1", Model: "m",
			Vector: []float64{0.1 * float64(i+1)},
		})
		require.NoError(t, err)
		leaves = append(leaves, hashing.LeafHash(hashing.SHA256, rec.VecHash, rec.PayloadHash))
	}

	root, err := svc.RunVectorRollup(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, 3, root.EventCount)
	assert.Equal(t, hashing.MerkleRoot(hashing.SHA256, leaves), root.MerkleRoot)

	hist, err := svc.GetVectorHistory(ctx, "dream", "d1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "a-third", hist[0].ID, "newest first")
	assert.True(t, hist[0].CreatedAt.After(hist[1].CreatedAt))
}

func TestRollup_EmptyDay(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	root, err := f.svc.RunVectorRollup(context.Background(), time.Date(2020, 1, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01", root.BatchDate)
	assert.Empty(t, root.MerkleRoot)
	assert.Zero(t, root.EventCount)
}

func TestRollupPreviousDay(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	require.NoError(t, f.svc.RollupPreviousDay(context.Background()))
	_, err := f.svc.GetRollup(context.Background(), "2026-08-13")
	require.NoError(t, err)
}

func TestGetProof(t *testing.T) {
	f := newFixture(t, hashing.SHA256)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := f.svc.LogVectorEvent(ctx, ledger.LogRequest{ObjectType: "o", ObjectID: "i", Model: "m", Vector: []float64{float64(i)}})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	p, err := f.svc.GetProof(ctx, ids[3])
	require.NoError(t, err)
	assert.False(t, p.Anchored, "no rollup stored yet")
	assert.Nil(t, p.Rollup)
	assert.Equal(t, 3, p.Index)

	_, err = f.svc.RunVectorRollup(ctx, f.clock)
	require.NoError(t, err)
	p, err = f.svc.GetProof(ctx, ids[3])
	require.NoError(t, err)
	assert.True(t, p.Anchored)
	assert.True(t, hashing.VerifyProof(hashing.SHA256, p.Leaf, p.Path, p.Rollup.MerkleRoot))

	// A record logged after the rollup breaks the anchor for that day.
	_, err = f.svc.LogVectorEvent(ctx, ledger.LogRequest{ObjectType: "o", ObjectID: "i", Model: "m"})
	require.NoError(t, err)
	p, err = f.svc.GetProof(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, p.Anchored)

	_, err = f.svc.GetProof(ctx, "nope")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestParseDate(t *testing.T) {
	d, err := ledger.ParseDate("2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, d.Location())
	_, err = ledger.ParseDate("28/02/2026")
	assert.ErrorIs(t, err, bus.ErrValidation)
}
