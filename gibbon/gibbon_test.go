package gibbon_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
	"github.com/gibbonhq/gibbons/gibbon"
	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/seed"
	"github.com/gibbonhq/gibbons/store"
)

func newFacade(t *testing.T, groupBytes, permBytes int) (*gibbon.Facade, *store.MemoryDatabase) {
	t.Helper()
	db := store.NewMemoryDatabase()
	ctx := context.Background()
	if err := seed.Seed(ctx, db, seed.Sizes{PermissionByteLength: permBytes, GroupByteLength: groupBytes}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f := gibbon.New(db, store.MemoryTxRunner{}, gibbon.Config{
		PermissionByteLength: permBytes,
		GroupByteLength:      groupBytes,
		MutationConcurrency:  2,
	})
	return f, db
}

func TestSubscribeUsersToGroupsDerivesPermissions(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	g, err := f.AllocateGroup(ctx, map[string]any{"name": "admins"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := f.AllocatePermission(ctx, map[string]any{"name": "write"})
	if err != nil {
		t.Fatal(err)
	}
	groupMask := mask.MustCreate(1)
	if err := groupMask.SetPosition(g.Position); err != nil {
		t.Fatal(err)
	}
	permMask := mask.MustCreate(1)
	if err := permMask.SetPosition(p.Position); err != nil {
		t.Fatal(err)
	}
	if err := f.SubscribePermissionsToGroups(ctx, groupMask, permMask); err != nil {
		t.Fatal(err)
	}

	if _, err := f.CreateUser(ctx, map[string]any{"name": "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := f.SubscribeUsersToGroups(ctx, store.Filter{"name": "alice"}, groupMask); err != nil {
		t.Fatal(err)
	}

	users, err := f.FindUsers(ctx, store.Filter{"name": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || !users[0].PermissionsMask.HasAllFromPositions([]int{p.Position}) {
		t.Fatalf("expected derived permission, got %+v", users)
	}
}

// TestFacadeAcceptsPositionListsAndBytesDirectly exercises mask.Ensure's
// polymorphic coercion (spec section 4.2) at the facade boundary: callers may
// pass []int positions or raw []byte instead of constructing a *mask.Mask
// themselves.
func TestFacadeAcceptsPositionListsAndBytesDirectly(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	g, err := f.AllocateGroup(ctx, map[string]any{"name": "admins"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := f.AllocatePermission(ctx, map[string]any{"name": "write"})
	if err != nil {
		t.Fatal(err)
	}

	// []int positions, not a *mask.Mask.
	if err := f.SubscribePermissionsToGroups(ctx, []int{g.Position}, []int{p.Position}); err != nil {
		t.Fatal(err)
	}

	permMask, err := f.GetPermissionsForGroups(ctx, []int{g.Position})
	if err != nil {
		t.Fatal(err)
	}
	if !permMask.HasAllFromPositions([]int{p.Position}) {
		t.Fatalf("expected derived permission, got %+v", permMask)
	}

	// raw []byte with the permission bit set.
	byteMask := []byte{0b1000_0000 >> (uint(p.Position) - 1)}
	groups, err := f.FindGroupsByPermissions(ctx, byteMask, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Position != g.Position {
		t.Fatalf("expected group %d, got %+v", g.Position, groups)
	}
}

func TestFacadeRejectsUnsupportedMaskType(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	_, err := f.GetPermissionsForGroups(ctx, "not a mask")
	if !errors.Is(err, errs.TypeMismatch) {
		t.Fatalf("expected TypeMismatch, got %v", err)
	}
}

func TestSubscribePermissionsToGroupsRejectsUnallocatedPermission(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	g, err := f.AllocateGroup(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	groupMask := mask.MustCreate(1)
	if err := groupMask.SetPosition(g.Position); err != nil {
		t.Fatal(err)
	}
	permMask := mask.MustCreate(1)
	if err := permMask.SetPosition(1); err != nil { // never allocated
		t.Fatal(err)
	}

	err = f.SubscribePermissionsToGroups(ctx, groupMask, permMask)
	if !errors.Is(err, errs.NotAllocated) {
		t.Fatalf("expected NotAllocated, got %v", err)
	}
}

func TestDeallocatePermissionsCascades(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	g, err := f.AllocateGroup(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := f.AllocatePermission(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	groupMask := mask.MustCreate(1)
	if err := groupMask.SetPosition(g.Position); err != nil {
		t.Fatal(err)
	}
	permMask := mask.MustCreate(1)
	if err := permMask.SetPosition(p.Position); err != nil {
		t.Fatal(err)
	}
	if err := f.SubscribePermissionsToGroups(ctx, groupMask, permMask); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CreateUser(ctx, map[string]any{"name": "bob"}); err != nil {
		t.Fatal(err)
	}
	if err := f.SubscribeUsersToGroups(ctx, store.Filter{"name": "bob"}, groupMask); err != nil {
		t.Fatal(err)
	}

	if err := f.DeallocatePermissions(ctx, permMask); err != nil {
		t.Fatal(err)
	}

	groups, err := f.FindGroups(ctx, []int{g.Position})
	if err != nil {
		t.Fatal(err)
	}
	if !groups[0].PermissionsMask.IsZero() {
		t.Fatal("expected group permissionsMask cleared")
	}
	users, err := f.FindUsers(ctx, store.Filter{"name": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if !users[0].PermissionsMask.IsZero() {
		t.Fatal("expected user permissionsMask cleared")
	}
}

func TestDeallocateGroupsRecomputesUserPermissions(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	g1, err := f.AllocateGroup(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	g2, err := f.AllocateGroup(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := f.AllocatePermission(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := f.AllocatePermission(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}

	m1 := mask.MustCreate(1)
	_ = m1.SetPosition(g1.Position)
	pm1 := mask.MustCreate(1)
	_ = pm1.SetPosition(p1.Position)
	if err := f.SubscribePermissionsToGroups(ctx, m1, pm1); err != nil {
		t.Fatal(err)
	}
	m2 := mask.MustCreate(1)
	_ = m2.SetPosition(g2.Position)
	pm2 := mask.MustCreate(1)
	_ = pm2.SetPosition(p2.Position)
	if err := f.SubscribePermissionsToGroups(ctx, m2, pm2); err != nil {
		t.Fatal(err)
	}

	both := mask.MustCreate(1)
	_ = both.SetAllFromPositions([]int{g1.Position, g2.Position})
	if _, err := f.CreateUser(ctx, map[string]any{"name": "erin"}); err != nil {
		t.Fatal(err)
	}
	if err := f.SubscribeUsersToGroups(ctx, store.Filter{"name": "erin"}, both); err != nil {
		t.Fatal(err)
	}

	if err := f.DeallocateGroups(ctx, m1); err != nil {
		t.Fatal(err)
	}

	users, err := f.FindUsers(ctx, store.Filter{"name": "erin"})
	if err != nil {
		t.Fatal(err)
	}
	got := users[0]
	if got.GroupsMask.HasAnyFromPositions([]int{g1.Position}) {
		t.Fatal("expected group1 bit cleared")
	}
	if !got.PermissionsMask.HasAllFromPositions([]int{p2.Position}) {
		t.Fatal("expected permission2 to remain via group2")
	}
	if got.PermissionsMask.HasAnyFromPositions([]int{p1.Position}) {
		t.Fatal("expected permission1 to be gone")
	}
}

func TestExpandPermissionsPreservesExistingBits(t *testing.T) {
	f, db := newFacade(t, 1, 1)
	ctx := context.Background()

	p, err := f.AllocatePermission(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	g, err := f.AllocateGroup(ctx, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	pm := mask.MustCreate(1)
	_ = pm.SetPosition(p.Position)
	gm := mask.MustCreate(1)
	_ = gm.SetPosition(g.Position)
	if err := f.SubscribePermissionsToGroups(ctx, gm, pm); err != nil {
		t.Fatal(err)
	}

	if err := f.ExpandPermissions(ctx, 2); err != nil {
		t.Fatal(err)
	}

	n, err := db.Permissions().CountDocuments(ctx, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Fatalf("got %d permission rows, want 16", n)
	}
	groups, err := f.FindGroups(ctx, []int{g.Position})
	if err != nil {
		t.Fatal(err)
	}
	if groups[0].PermissionsMask.Len() != 2 || !groups[0].PermissionsMask.HasAllFromPositions([]int{p.Position}) {
		t.Fatalf("got %+v", groups[0])
	}
}

func TestShrinkPermissionsDeniesLiveAllocation(t *testing.T) {
	f, _ := newFacade(t, 1, 2)
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		if _, err := f.AllocatePermission(ctx, map[string]any{}); err != nil {
			t.Fatal(err)
		}
	}

	err := f.ShrinkPermissions(ctx, 1)
	if !errors.Is(err, errs.ShrinkDeniesLive) {
		t.Fatalf("expected ShrinkDeniesLive, got %v", err)
	}
}

func TestResizeDirectionRejected(t *testing.T) {
	f, _ := newFacade(t, 1, 1)
	ctx := context.Background()

	if err := f.ExpandPermissions(ctx, 1); !errors.Is(err, errs.ResizeDirection) {
		t.Fatalf("expected ResizeDirection, got %v", err)
	}
	if err := f.ShrinkPermissions(ctx, 1); !errors.Is(err, errs.ResizeDirection) {
		t.Fatalf("expected ResizeDirection, got %v", err)
	}
}

func TestValidateUserMaskHelpersArePure(t *testing.T) {
	userGroups := mask.MustCreate(1)
	_ = userGroups.SetAllFromPositions([]int{1, 2})
	want := mask.MustCreate(1)
	_ = want.SetAllFromPositions([]int{1, 2})

	if !gibbon.ValidateUserGroupsForAllGroups(userGroups, want) {
		t.Fatal("expected all groups satisfied")
	}
	missing := mask.MustCreate(1)
	_ = missing.SetPosition(3)
	if gibbon.ValidateUserGroupsForAllGroups(userGroups, missing) {
		t.Fatal("expected false for missing group")
	}
	if gibbon.ValidateUserGroupsForAnyGroups(userGroups, missing) {
		t.Fatal("expected no overlap")
	}
}
