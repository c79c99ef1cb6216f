// Package gibbon is the consistency facade (spec section 4.7): the sole
// public surface over the group, permission, and user models, responsible
// for running every composite, multi-collection write inside one atomic
// transaction and for keeping a user's derived permissionsMask correct.
package gibbon

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
	"github.com/gibbonhq/gibbons/group"
	"github.com/gibbonhq/gibbons/log"
	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/permission"
	"github.com/gibbonhq/gibbons/store"
	"github.com/gibbonhq/gibbons/user"
)

var logger = log.Default().Module("gibbon")

// Config carries the universe sizes and fan-out bound a Facade needs at
// construction (spec section 6's dbName/permissionByteLength/
// groupByteLength/mutationConcurrency keys; dbName and the collection name
// mapping are resolved by the caller when it builds the store.Database).
type Config struct {
	PermissionByteLength int
	GroupByteLength      int
	MutationConcurrency  int
}

// Facade wraps the three models plus the store's transaction runner.
type Facade struct {
	tx          store.TxRunner
	groupColl   store.Collection
	permColl    store.Collection
	userColl    store.Collection
	groups      *group.Model
	permissions *permission.Model
	users       *user.Model
	groupLen    int
	permLen     int
}

// New builds a Facade over db using tx for transactional orchestration.
func New(db store.Database, tx store.TxRunner, cfg Config) *Facade {
	g := group.New(db.Groups(), cfg.PermissionByteLength)
	g.SetConcurrency(cfg.MutationConcurrency)
	u := user.New(db.Users(), cfg.GroupByteLength, cfg.PermissionByteLength)
	u.SetConcurrency(cfg.MutationConcurrency)
	return &Facade{
		tx:          tx,
		groupColl:   db.Groups(),
		permColl:    db.Permissions(),
		userColl:    db.Users(),
		groups:      g,
		permissions: permission.New(db.Permissions()),
		users:       u,
		groupLen:    cfg.GroupByteLength,
		permLen:     cfg.PermissionByteLength,
	}
}

// ensureGroupMask coerces a caller-supplied group mask (a *mask.Mask, []int
// of positions, []byte, or nil) into a *mask.Mask of this facade's configured
// group byte length, per spec section 4.2.
func (f *Facade) ensureGroupMask(input any) (*mask.Mask, error) {
	return mask.Ensure(input, f.groupLen)
}

// ensurePermMask is ensureGroupMask's permission-universe counterpart.
func (f *Facade) ensurePermMask(input any) (*mask.Mask, error) {
	return mask.Ensure(input, f.permLen)
}

type sessionKey struct{}

// withSession marks ctx as already running inside a facade-managed
// transaction, so a nested executeInSession call joins it instead of
// starting a second one.
func withSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, true)
}

func hasSession(ctx context.Context) bool {
	v, _ := ctx.Value(sessionKey{}).(bool)
	return v
}

// executeInSession runs fn inside one atomic transaction, per spec section
// 4.7: if ctx already carries a facade session, fn joins it (the original
// caller owns commit/abort); otherwise a fresh transaction is started via
// tx.WithTransaction, which also retries transient conflicts.
func (f *Facade) executeInSession(ctx context.Context, fn func(ctx context.Context) error) error {
	if hasSession(ctx) {
		return fn(ctx)
	}
	_, err := f.tx.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, fn(withSession(sessCtx))
	})
	return err
}

func notAllocated(msg string) error {
	return errors.Mark(errors.New(msg), errs.NotAllocated)
}

// concurrentValidate runs a and b concurrently and returns both outcomes —
// spec section 5's "validation of multi-criteria inputs is issued
// concurrently" ordering rule.
func concurrentValidate(a, b func() (bool, error)) (aOK bool, aErr error, bOK bool, bErr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); aOK, aErr = a() }()
	go func() { defer wg.Done(); bOK, bErr = b() }()
	wg.Wait()
	return
}

// --- Queries ---

// GetPermissionsForGroups returns the union permissionsMask over every
// allocated group whose position is set in groupMask. groupMask accepts
// anything mask.Ensure does: a *mask.Mask, a []int of positions, a []byte, or
// nil.
func (f *Facade) GetPermissionsForGroups(ctx context.Context, groupMask any) (*mask.Mask, error) {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return nil, err
	}
	return f.groups.GetPermissionsForGroups(ctx, gm)
}

// FindGroups returns the group rows at the given positions.
func (f *Facade) FindGroups(ctx context.Context, positions []int) ([]group.Doc, error) {
	return f.groups.Find(ctx, positions)
}

// FindPermissions returns the permission rows at the given positions.
func (f *Facade) FindPermissions(ctx context.Context, positions []int) ([]permission.Doc, error) {
	return f.permissions.Find(ctx, positions)
}

// FindGroupsByPermissions returns groups whose permissionsMask shares any
// bit with permMask, filtered by allocated status. permMask accepts anything
// mask.Ensure does.
func (f *Facade) FindGroupsByPermissions(ctx context.Context, permMask any, wantAllocated bool) ([]group.Doc, error) {
	pm, err := f.ensurePermMask(permMask)
	if err != nil {
		return nil, err
	}
	return f.groups.FindByPermissions(ctx, pm, wantAllocated)
}

// FindUsersByPermissions returns users whose permissionsMask shares any bit
// with permMask. permMask accepts anything mask.Ensure does.
func (f *Facade) FindUsersByPermissions(ctx context.Context, permMask any) ([]user.Doc, error) {
	pm, err := f.ensurePermMask(permMask)
	if err != nil {
		return nil, err
	}
	return f.users.FindByPermissions(ctx, pm)
}

// FindUsersByGroups returns users whose groupsMask shares any bit with
// groupMask. groupMask accepts anything mask.Ensure does.
func (f *Facade) FindUsersByGroups(ctx context.Context, groupMask any) ([]user.Doc, error) {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return nil, err
	}
	return f.users.FindByGroups(ctx, gm)
}

// FindUsers returns users matching an arbitrary caller filter.
func (f *Facade) FindUsers(ctx context.Context, filter store.Filter) ([]user.Doc, error) {
	return f.users.FindByFilter(ctx, filter)
}

// FindAllAllocatedGroups returns every allocated group row.
func (f *Facade) FindAllAllocatedGroups(ctx context.Context) ([]group.Doc, error) {
	return f.groups.FindAllAllocated(ctx)
}

// FindAllAllocatedPermissions returns every allocated permission row.
func (f *Facade) FindAllAllocatedPermissions(ctx context.Context) ([]permission.Doc, error) {
	return f.permissions.FindAllAllocated(ctx)
}

// --- Allocate/deallocate ---

// AllocatePermission claims the lowest free permission position.
func (f *Facade) AllocatePermission(ctx context.Context, data map[string]any) (permission.Doc, error) {
	return f.permissions.Allocate(ctx, data)
}

// AllocateGroup claims the lowest free group position.
func (f *Facade) AllocateGroup(ctx context.Context, data map[string]any) (group.Doc, error) {
	return f.groups.Allocate(ctx, data)
}

// DeallocatePermissions resets every permission position set in permMask,
// then strips those bits from every group's and every user's
// permissionsMask (spec section 4.7). permMask accepts anything mask.Ensure
// does.
func (f *Facade) DeallocatePermissions(ctx context.Context, permMask any) error {
	pm, err := f.ensurePermMask(permMask)
	if err != nil {
		return err
	}
	return f.executeInSession(ctx, func(ctx context.Context) error {
		if err := f.permissions.Deallocate(ctx, pm.GetPositions()); err != nil {
			return err
		}
		if err := f.groups.UnsetPermissions(ctx, pm); err != nil {
			return err
		}
		return f.users.UnsetPermissions(ctx, pm)
	})
}

// DeallocateGroups resets every group position set in groupMask (which also
// zeroes its permissionsMask), then strips those bits from every affected
// user's groupsMask and recomputes its permissionsMask from the session-aware
// resolver (spec section 4.7). groupMask accepts anything mask.Ensure does.
func (f *Facade) DeallocateGroups(ctx context.Context, groupMask any) error {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return err
	}
	return f.executeInSession(ctx, func(ctx context.Context) error {
		if err := f.groups.Deallocate(ctx, gm.GetPositions()); err != nil {
			return err
		}
		return f.users.UnsetGroups(ctx, gm, f.groups)
	})
}

// --- User lifecycle ---

// CreateUser inserts a fresh user with zeroed masks.
func (f *Facade) CreateUser(ctx context.Context, data map[string]any) (user.Doc, error) {
	return f.users.Create(ctx, data)
}

// RemoveUser deletes every user matching filter and returns the count
// deleted.
func (f *Facade) RemoveUser(ctx context.Context, filter store.Filter) (int64, error) {
	return f.users.Remove(ctx, filter)
}

// --- Metadata ---

// UpdateGroupMetadata merges data into the allocated group at position.
func (f *Facade) UpdateGroupMetadata(ctx context.Context, position int, data map[string]any) (*group.Doc, error) {
	return f.groups.UpdateMetadata(ctx, position, data)
}

// UpdatePermissionMetadata merges data into the allocated permission at
// position.
func (f *Facade) UpdatePermissionMetadata(ctx context.Context, position int, data map[string]any) (*permission.Doc, error) {
	return f.permissions.UpdateMetadata(ctx, position, data)
}

// UpdateUserMetadata merges data into every user matching filter, leaving
// both masks untouched.
func (f *Facade) UpdateUserMetadata(ctx context.Context, filter store.Filter, data map[string]any) (int64, error) {
	return f.users.UpdateMetadata(ctx, filter, data)
}

// --- Subscribe/unsubscribe ---

// SubscribeUsersToGroups validates every bit of groupMask names an allocated
// group, then for each user matching filter ORs groupMask into groupsMask
// and the groups' combined permissionsMask into permissionsMask. groupMask
// accepts anything mask.Ensure does.
func (f *Facade) SubscribeUsersToGroups(ctx context.Context, filter store.Filter, groupMask any) error {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return err
	}
	return f.executeInSession(ctx, func(ctx context.Context) error {
		ok, err := f.groups.Validate(ctx, gm.GetPositions(), true)
		if err != nil {
			return err
		}
		if !ok {
			return notAllocated("gibbon: subscribeUsersToGroups: not every group position is allocated")
		}
		permMask, err := f.groups.GetPermissionsForGroups(ctx, gm)
		if err != nil {
			return err
		}
		return f.users.SubscribeToGroupsAndPermissions(ctx, filter, gm, permMask)
	})
}

// SubscribePermissionsToGroups validates that every bit of permMask names an
// allocated permission and every bit of groupMask names an allocated group
// (checked concurrently; a permission-allocation failure is surfaced before
// a group-allocation failure, per spec section 5), then ORs permMask into
// the affected groups' and affected users' permissionsMask. groupMask and
// permMask each accept anything mask.Ensure does.
func (f *Facade) SubscribePermissionsToGroups(ctx context.Context, groupMask, permMask any) error {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return err
	}
	pm, err := f.ensurePermMask(permMask)
	if err != nil {
		return err
	}
	return f.executeInSession(ctx, func(ctx context.Context) error {
		permOK, permErr, groupOK, groupErr := concurrentValidate(
			func() (bool, error) { return f.permissions.Validate(ctx, pm.GetPositions(), true) },
			func() (bool, error) { return f.groups.Validate(ctx, gm.GetPositions(), true) },
		)
		if permErr != nil {
			return permErr
		}
		if !permOK {
			return notAllocated("gibbon: subscribePermissionsToGroups: not every permission position is allocated")
		}
		if groupErr != nil {
			return groupErr
		}
		if !groupOK {
			return notAllocated("gibbon: subscribePermissionsToGroups: not every group position is allocated")
		}
		if err := f.groups.SubscribePermissions(ctx, gm, pm); err != nil {
			return err
		}
		return f.users.SubscribeToPermissionsForGroups(ctx, gm, pm)
	})
}

// UnsubscribeUsersFromGroups AND-NOTs groupMask out of groupsMask for every
// user matching filter whose groupsMask intersects groupMask, then recomputes
// permissionsMask from the user's remaining groups. groupMask accepts
// anything mask.Ensure does.
func (f *Facade) UnsubscribeUsersFromGroups(ctx context.Context, filter store.Filter, groupMask any) error {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return err
	}
	return f.executeInSession(ctx, func(ctx context.Context) error {
		intersecting := intersectingGroupsFilter(filter, gm)
		return f.users.UnsubscribeFromGroups(ctx, intersecting, gm, f.groups)
	})
}

// UnsubscribePermissionsFromGroups AND-NOTs permMask out of the
// permissionsMask of every group in groupMask, then recomputes
// permissionsMask for every user whose groupsMask intersects groupMask.
// groupMask and permMask each accept anything mask.Ensure does.
func (f *Facade) UnsubscribePermissionsFromGroups(ctx context.Context, groupMask, permMask any) error {
	gm, err := f.ensureGroupMask(groupMask)
	if err != nil {
		return err
	}
	pm, err := f.ensurePermMask(permMask)
	if err != nil {
		return err
	}
	return f.executeInSession(ctx, func(ctx context.Context) error {
		if err := f.groups.UnsubscribePermissions(ctx, gm, pm); err != nil {
			return err
		}
		intersecting := store.Filter{user.GroupsMaskField: store.BitsAnySet(gm.ToBytes())}
		return f.users.RecalculatePermissions(ctx, intersecting, f.groups)
	})
}

func intersectingGroupsFilter(filter store.Filter, groupMask *mask.Mask) store.Filter {
	out := make(store.Filter, len(filter)+1)
	for k, v := range filter {
		out[k] = v
	}
	out[user.GroupsMaskField] = store.BitsAnySet(groupMask.ToBytes())
	return out
}

// --- Validate (store) ---

// ValidateAllocatedGroups reports whether every position in positions is an
// allocated group.
func (f *Facade) ValidateAllocatedGroups(ctx context.Context, positions []int) (bool, error) {
	return f.groups.Validate(ctx, positions, true)
}

// ValidateAllocatedPermissions reports whether every position in positions
// is an allocated permission.
func (f *Facade) ValidateAllocatedPermissions(ctx context.Context, positions []int) (bool, error) {
	return f.permissions.Validate(ctx, positions, true)
}

// --- Validate (pure) ---

// ValidateUserGroupsForAllGroups reports whether every position in
// groupMask is set in the user's groupsMask. Pure; touches no store.
func ValidateUserGroupsForAllGroups(userGroupsMask, groupMask *mask.Mask) bool {
	return userGroupsMask.HasAllFromMask(groupMask)
}

// ValidateUserGroupsForAnyGroups reports whether any position in groupMask
// is set in the user's groupsMask. Pure; touches no store.
func ValidateUserGroupsForAnyGroups(userGroupsMask, groupMask *mask.Mask) bool {
	return userGroupsMask.HasAnyFromMask(groupMask)
}

// ValidateUserPermissionsForAllPermissions reports whether every position in
// permMask is set in the user's permissionsMask. Pure; touches no store.
func ValidateUserPermissionsForAllPermissions(userPermissionsMask, permMask *mask.Mask) bool {
	return userPermissionsMask.HasAllFromMask(permMask)
}

// ValidateUserPermissionsForAnyPermissions reports whether any position in
// permMask is set in the user's permissionsMask. Pure; touches no store.
func ValidateUserPermissionsForAnyPermissions(userPermissionsMask, permMask *mask.Mask) bool {
	return userPermissionsMask.HasAnyFromMask(permMask)
}
