package devices

import (
	"context"
	"testing"

	"github.com/yungbote/lifelog-backend/internal/data/dbctx"
	"github.com/yungbote/lifelog-backend/internal/data/repos/testutil"
	"github.com/yungbote/lifelog-backend/internal/domain"
)

func TestDeviceRepoGetOrCreate(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewDeviceRepo(db, testutil.Logger(t))

	first, err := repo.GetOrCreate(dbc, "pendant-01")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	second, err := repo.GetOrCreate(dbc, "pendant-01")
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ID: want=%v got=%v", first.ID, second.ID)
	}

	if _, err := repo.GetByDeviceID(dbc, "nope"); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestDeviceRepoWhitelistRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewDeviceRepo(db, testutil.Logger(t))

	testutil.SeedDevice(t, ctx, tx, "pendant-02")

	faces := []domain.WhitelistFace{{
		Name:       "alice",
		Embeddings: [][]float32{{0.1, 0.2, 0.3}},
	}}
	err := repo.UpdateFields(dbc, "pendant-02", map[string]interface{}{
		"whitelist": domain.MarshalWhitelist(faces),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.GetByDeviceID(dbc, "pendant-02")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	list := got.WhitelistFaces()
	if len(list) != 1 || list[0].Name != "alice" {
		t.Fatalf("whitelist: want one face named alice, got %+v", list)
	}
	if len(list[0].Embeddings) != 1 || len(list[0].Embeddings[0]) != 3 {
		t.Fatalf("embeddings did not round trip: %+v", list[0].Embeddings)
	}
}
