package seed_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
	"github.com/gibbonhq/gibbons/seed"
	"github.com/gibbonhq/gibbons/store"
)

func TestSeedPopulatesExpectedCounts(t *testing.T) {
	db := store.NewMemoryDatabase()
	ctx := context.Background()
	sizes := seed.Sizes{PermissionByteLength: 2, GroupByteLength: 3}

	if err := seed.Seed(ctx, db, sizes); err != nil {
		t.Fatal(err)
	}
	n, err := db.Permissions().CountDocuments(ctx, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Fatalf("got %d permission rows, want 16", n)
	}
	n, err = db.Groups().CountDocuments(ctx, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 24 {
		t.Fatalf("got %d group rows, want 24", n)
	}
}

func TestSeedAlreadySeeded(t *testing.T) {
	db := store.NewMemoryDatabase()
	ctx := context.Background()
	sizes := seed.Sizes{PermissionByteLength: 1, GroupByteLength: 1}

	if err := seed.Seed(ctx, db, sizes); err != nil {
		t.Fatal(err)
	}
	err := seed.Seed(ctx, db, sizes)
	if !errors.Is(err, errs.AlreadySeeded) {
		t.Fatalf("expected AlreadySeeded, got %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := store.NewMemoryDatabase()
	ctx := context.Background()
	sizes := seed.Sizes{PermissionByteLength: 1, GroupByteLength: 1}

	if err := seed.Initialize(ctx, db, sizes); err != nil {
		t.Fatal(err)
	}
	if err := seed.Initialize(ctx, db, sizes); err != nil {
		t.Fatalf("second Initialize must be a no-op, got %v", err)
	}
	n, _ := db.Permissions().CountDocuments(ctx, store.Filter{})
	if n != 8 {
		t.Fatalf("got %d permission rows after double init, want 8", n)
	}
}

func TestGroupRowsSeededWithZeroPermissionsMask(t *testing.T) {
	db := store.NewMemoryDatabase()
	ctx := context.Background()
	if err := seed.Seed(ctx, db, seed.Sizes{PermissionByteLength: 1, GroupByteLength: 1}); err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := db.Groups().FindOne(ctx, store.Filter{"position": 1}, &raw); err != nil {
		t.Fatal(err)
	}
	pm, ok := raw["permissionsMask"].([]byte)
	if !ok {
		t.Fatalf("permissionsMask has type %T", raw["permissionsMask"])
	}
	if len(pm) != 1 {
		t.Fatalf("got length %d, want 1", len(pm))
	}
}
