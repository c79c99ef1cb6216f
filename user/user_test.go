package user_test

import (
	"context"
	"testing"

	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/store"
	"github.com/gibbonhq/gibbons/user"
)

type fakeResolver struct {
	permissionByteLength int
	byGroupPosition      map[int]*mask.Mask
}

func (f fakeResolver) GetPermissionsForGroups(ctx context.Context, groupMask *mask.Mask) (*mask.Mask, error) {
	out := mask.MustCreate(f.permissionByteLength)
	for _, p := range groupMask.GetPositions() {
		if pm, ok := f.byGroupPosition[p]; ok {
			out.Merge(pm)
		}
	}
	return out, nil
}

func TestCreateZeroesMasks(t *testing.T) {
	db := store.NewMemoryDatabase()
	m := user.New(db.Users(), 1, 1)
	ctx := context.Background()

	d, err := m.Create(ctx, map[string]any{"name": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.GroupsMask.IsZero() || !d.PermissionsMask.IsZero() {
		t.Fatalf("expected zero masks, got %+v", d)
	}
	if d.Metadata["name"] != "alice" {
		t.Fatalf("got %+v", d.Metadata)
	}
}

func TestSubscribeToGroupsAndPermissions(t *testing.T) {
	db := store.NewMemoryDatabase()
	m := user.New(db.Users(), 1, 1)
	ctx := context.Background()

	if _, err := m.Create(ctx, map[string]any{"name": "bob"}); err != nil {
		t.Fatal(err)
	}

	gm := mask.MustCreate(1)
	if err := gm.SetPosition(2); err != nil {
		t.Fatal(err)
	}
	pm := mask.MustCreate(1)
	if err := pm.SetPosition(5); err != nil {
		t.Fatal(err)
	}
	if err := m.SubscribeToGroupsAndPermissions(ctx, store.Filter{"name": "bob"}, gm, pm); err != nil {
		t.Fatal(err)
	}

	docs, err := m.FindByFilter(ctx, store.Filter{"name": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || !docs[0].GroupsMask.HasAnyFromPositions([]int{2}) || !docs[0].PermissionsMask.HasAnyFromPositions([]int{5}) {
		t.Fatalf("got %+v", docs)
	}
}

func TestUnsetGroupsRecalculatesPermissions(t *testing.T) {
	db := store.NewMemoryDatabase()
	m := user.New(db.Users(), 1, 1)
	ctx := context.Background()

	if _, err := m.Create(ctx, map[string]any{"name": "carol"}); err != nil {
		t.Fatal(err)
	}
	gm := mask.MustCreate(1)
	if err := gm.SetAllFromPositions([]int{1, 2}); err != nil {
		t.Fatal(err)
	}
	pm := mask.MustCreate(1)
	if err := pm.SetPosition(3); err != nil {
		t.Fatal(err)
	}
	if err := m.SubscribeToGroupsAndPermissions(ctx, store.Filter{"name": "carol"}, gm, pm); err != nil {
		t.Fatal(err)
	}

	group1Perms := mask.MustCreate(1)
	if err := group1Perms.SetPosition(3); err != nil {
		t.Fatal(err)
	}
	resolver := fakeResolver{permissionByteLength: 1, byGroupPosition: map[int]*mask.Mask{1: group1Perms}}

	unsubGroup := mask.MustCreate(1)
	if err := unsubGroup.SetPosition(2); err != nil {
		t.Fatal(err)
	}
	if err := m.UnsetGroups(ctx, unsubGroup, resolver); err != nil {
		t.Fatal(err)
	}

	docs, err := m.FindByFilter(ctx, store.Filter{"name": "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d docs", len(docs))
	}
	got := docs[0]
	if got.GroupsMask.HasAnyFromPositions([]int{2}) {
		t.Fatal("group 2 should have been cleared")
	}
	if !got.GroupsMask.HasAnyFromPositions([]int{1}) {
		t.Fatal("group 1 should remain")
	}
	if !got.PermissionsMask.HasAllFromPositions([]int{3}) {
		t.Fatal("permission 3 should remain via group 1")
	}
}

func TestUnsetPermissionsClearsAcrossUsers(t *testing.T) {
	db := store.NewMemoryDatabase()
	m := user.New(db.Users(), 1, 1)
	ctx := context.Background()

	if _, err := m.Create(ctx, map[string]any{"name": "dave"}); err != nil {
		t.Fatal(err)
	}
	pm := mask.MustCreate(1)
	if err := pm.SetPosition(4); err != nil {
		t.Fatal(err)
	}
	if err := m.SubscribeToGroupsAndPermissions(ctx, store.Filter{"name": "dave"}, mask.MustCreate(1), pm); err != nil {
		t.Fatal(err)
	}
	if err := m.UnsetPermissions(ctx, pm); err != nil {
		t.Fatal(err)
	}
	docs, err := m.FindByFilter(ctx, store.Filter{"name": "dave"})
	if err != nil {
		t.Fatal(err)
	}
	if !docs[0].PermissionsMask.IsZero() {
		t.Fatal("expected permission bit cleared")
	}
}
