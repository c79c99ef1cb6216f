// Package user implements the user model (spec section 4.6): plain,
// unallocated documents carrying a groupsMask, a derived permissionsMask, and
// caller metadata. Recomputing permissionsMask from groupsMask needs the
// group model's getPermissionsForGroups, so callers inject a Resolver rather
// than user depending on package group directly — keeping the model graph a
// DAG per spec section 9's design note.
package user

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/sanitize"
	"github.com/gibbonhq/gibbons/store"
)

// defaultConcurrency bounds fan-out until a caller sizes it to the
// configured mutationConcurrency via SetConcurrency.
const defaultConcurrency = 4

const (
	groupsMaskField      = "groupsMask"
	permissionsMaskField = "permissionsMask"

	// GroupsMaskField and PermissionsMaskField let callers outside this
	// package (the gibbon facade) build filters against these fields
	// without duplicating the literal field names.
	GroupsMaskField      = groupsMaskField
	PermissionsMaskField = permissionsMaskField
)

var reserved = []string{groupsMaskField, permissionsMaskField}

func sanitizeReserved(data map[string]any) map[string]any {
	return sanitize.Metadata(data, reserved...)
}

// Resolver computes the union permissionsMask for a set of groups — an
// injected capability satisfied directly by *group.Model, which the facade
// passes in together with the transaction's session-bound ctx, letting
// package user avoid importing package group.
type Resolver interface {
	GetPermissionsForGroups(ctx context.Context, groupMask *mask.Mask) (*mask.Mask, error)
}

// Doc is the decoded view of one user row.
type Doc struct {
	GroupsMask      *mask.Mask
	PermissionsMask *mask.Mask
	Metadata        map[string]any
}

func toDoc(raw map[string]any, groupByteLength, permissionByteLength int) Doc {
	gm := mask.MustCreate(groupByteLength)
	if b, ok := raw[groupsMaskField].([]byte); ok {
		gm = mask.Decode(b)
	}
	pm := mask.MustCreate(permissionByteLength)
	if b, ok := raw[permissionsMaskField].([]byte); ok {
		pm = mask.Decode(b)
	}
	return Doc{
		GroupsMask:      gm,
		PermissionsMask: pm,
		Metadata:        store.ExtractMetadata(raw, groupsMaskField, permissionsMaskField),
	}
}

// Model wraps a user collection. Unlike group/permission, users are plain
// documents with no position/allocated slot semantics.
type Model struct {
	coll                 store.Collection
	groupByteLength      int
	permissionByteLength int
	sem                  *semaphore.Weighted
}

// New returns a Model over coll, sized by the configured group and
// permission universe byte lengths.
func New(coll store.Collection, groupByteLength, permissionByteLength int) *Model {
	return &Model{
		coll:                 coll,
		groupByteLength:      groupByteLength,
		permissionByteLength: permissionByteLength,
		sem:                  semaphore.NewWeighted(defaultConcurrency),
	}
}

// SetConcurrency bounds the worker pool used by mask fan-out updates to n —
// the configured mutationConcurrency (spec section 5).
func (m *Model) SetConcurrency(n int) {
	m.sem = semaphore.NewWeighted(int64(n))
}

// forEachRaw streams docs through a worker pool bounded by m.sem, calling
// work once per raw document. Per-document mask updates are commutative, so
// concurrent workers race only on in-flight count, not correctness.
func (m *Model) forEachRaw(ctx context.Context, docs []map[string]any, work func(ctx context.Context, raw map[string]any) error) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, raw := range docs {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(raw map[string]any) {
			defer m.sem.Release(1)
			defer wg.Done()
			if err := work(ctx, raw); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(raw)
	}
	wg.Wait()
	return firstErr
}

// Create inserts a user with groupsMask = zero(Gb), permissionsMask =
// zero(P), and sanitized metadata, returning the decoded post-image.
func (m *Model) Create(ctx context.Context, data map[string]any) (Doc, error) {
	clean := sanitizeReserved(data)
	doc := make(map[string]any, len(clean)+2)
	for k, v := range clean {
		doc[k] = v
	}
	doc[groupsMaskField] = mask.MustCreate(m.groupByteLength).ToBytes()
	doc[permissionsMaskField] = mask.MustCreate(m.permissionByteLength).ToBytes()
	if err := m.coll.InsertMany(ctx, []any{doc}); err != nil {
		return Doc{}, err
	}
	return toDoc(doc, m.groupByteLength, m.permissionByteLength), nil
}

// Remove deletes every user matching filter and returns the count deleted.
func (m *Model) Remove(ctx context.Context, filter store.Filter) (int64, error) {
	return m.coll.DeleteMany(ctx, filter)
}

func (m *Model) findAll(ctx context.Context, filter store.Filter) ([]Doc, error) {
	var out []Doc
	err := m.coll.Find(ctx, filter, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		out = append(out, toDoc(raw, m.groupByteLength, m.permissionByteLength))
		return nil
	})
	return out, err
}

// FindByFilter returns every user matching an arbitrary caller filter.
func (m *Model) FindByFilter(ctx context.Context, filter store.Filter) ([]Doc, error) {
	return m.findAll(ctx, filter)
}

// FindByPermissions returns every user whose permissionsMask shares any bit
// with permMask.
func (m *Model) FindByPermissions(ctx context.Context, permMask *mask.Mask) ([]Doc, error) {
	return m.findAll(ctx, store.Filter{permissionsMaskField: store.BitsAnySet(permMask.ToBytes())})
}

// FindByGroups returns every user whose groupsMask shares any bit with
// groupMask.
func (m *Model) FindByGroups(ctx context.Context, groupMask *mask.Mask) ([]Doc, error) {
	return m.findAll(ctx, store.Filter{groupsMaskField: store.BitsAnySet(groupMask.ToBytes())})
}

// UpdateMetadata merges sanitized data into every user matching filter,
// leaving both masks untouched.
func (m *Model) UpdateMetadata(ctx context.Context, filter store.Filter, data map[string]any) (int64, error) {
	clean := sanitizeReserved(data)
	return m.coll.UpdateMany(ctx, filter, store.Filter{"$set": clean})
}

// UnsetPermissions clears every bit of permMask from the permissionsMask of
// every user that currently has any of those bits set — the reaction to a
// permission being deallocated.
func (m *Model) UnsetPermissions(ctx context.Context, permMask *mask.Mask) error {
	filter := store.Filter{permissionsMaskField: store.BitsAnySet(permMask.ToBytes())}
	matched, err := m.findRaw(ctx, filter)
	if err != nil {
		return err
	}
	return m.forEachRaw(ctx, matched, func(ctx context.Context, raw map[string]any) error {
		doc := toDoc(raw, m.groupByteLength, m.permissionByteLength)
		doc.PermissionsMask.AndNot(permMask)
		return m.writeMasks(ctx, raw, nil, doc.PermissionsMask)
	})
}

// UnsetGroups clears every bit of groupMask from each matching user's
// groupsMask, then recomputes permissionsMask from the user's remaining
// groups via resolver — the reaction to groups being deallocated.
func (m *Model) UnsetGroups(ctx context.Context, groupMask *mask.Mask, resolver Resolver) error {
	filter := store.Filter{groupsMaskField: store.BitsAnySet(groupMask.ToBytes())}
	matched, err := m.findRaw(ctx, filter)
	if err != nil {
		return err
	}
	return m.forEachRaw(ctx, matched, func(ctx context.Context, raw map[string]any) error {
		doc := toDoc(raw, m.groupByteLength, m.permissionByteLength)
		doc.GroupsMask.AndNot(groupMask)
		newPerms, err := resolver.GetPermissionsForGroups(ctx, doc.GroupsMask)
		if err != nil {
			return err
		}
		return m.writeMasks(ctx, raw, doc.GroupsMask, newPerms)
	})
}

// findRaw returns the raw document map for every user matching filter.
func (m *Model) findRaw(ctx context.Context, filter store.Filter) ([]map[string]any, error) {
	var matched []map[string]any
	err := m.coll.Find(ctx, filter, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		matched = append(matched, raw)
		return nil
	})
	return matched, err
}

// writeMasks writes back groupsMask and/or permissionsMask (whichever is
// non-nil) for the user identified by raw's full prior field set.
func (m *Model) writeMasks(ctx context.Context, raw map[string]any, groupMask, permMask *mask.Mask) error {
	set := store.Filter{}
	if groupMask != nil {
		set[groupsMaskField] = groupMask.ToBytes()
	}
	if permMask != nil {
		set[permissionsMaskField] = permMask.ToBytes()
	}
	n, err := m.coll.UpdateMany(ctx, identityFilter(raw), store.Filter{"$set": set})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("user: writeMasks: no matching user document for mask update")
	}
	return nil
}

// SubscribeToGroupsAndPermissions ORs groupMask into groupsMask and permMask
// into permissionsMask for every user matching filter.
func (m *Model) SubscribeToGroupsAndPermissions(ctx context.Context, filter store.Filter, groupMask, permMask *mask.Mask) error {
	return m.bulkSet(ctx, filter, groupMask, permMask, true, true)
}

// SubscribeToPermissionsForGroups ORs permMask into permissionsMask for
// every user whose groupsMask intersects groupMask.
func (m *Model) SubscribeToPermissionsForGroups(ctx context.Context, groupMask, permMask *mask.Mask) error {
	filter := store.Filter{groupsMaskField: store.BitsAnySet(groupMask.ToBytes())}
	return m.bulkSet(ctx, filter, nil, permMask, false, true)
}

// bulkSet collects matching documents and writes back the OR'd masks through
// the bounded worker pool (forEachRaw), each write keyed by the document's
// full prior content.
func (m *Model) bulkSet(ctx context.Context, filter store.Filter, groupMask, permMask *mask.Mask, applyGroup, applyPerm bool) error {
	matched, err := m.findRaw(ctx, filter)
	if err != nil {
		return err
	}
	return m.forEachRaw(ctx, matched, func(ctx context.Context, raw map[string]any) error {
		doc := toDoc(raw, m.groupByteLength, m.permissionByteLength)
		set := store.Filter{}
		if applyGroup {
			doc.GroupsMask.Merge(groupMask)
			set[groupsMaskField] = doc.GroupsMask.ToBytes()
		}
		if applyPerm {
			doc.PermissionsMask.Merge(permMask)
			set[permissionsMaskField] = doc.PermissionsMask.ToBytes()
		}
		_, err := m.coll.UpdateMany(ctx, identityFilter(raw), store.Filter{"$set": set})
		return err
	})
}

func identityFilter(raw map[string]any) store.Filter {
	f := store.Filter{}
	for k, v := range raw {
		f[k] = v
	}
	return f
}

// UnsubscribeFromGroups AND-NOTs groupMask out of groupsMask for every user
// matching filter, then recomputes permissionsMask via resolver.
func (m *Model) UnsubscribeFromGroups(ctx context.Context, filter store.Filter, groupMask *mask.Mask, resolver Resolver) error {
	matched, err := m.findRaw(ctx, filter)
	if err != nil {
		return err
	}
	return m.forEachRaw(ctx, matched, func(ctx context.Context, raw map[string]any) error {
		doc := toDoc(raw, m.groupByteLength, m.permissionByteLength)
		doc.GroupsMask.AndNot(groupMask)
		newPerms, err := resolver.GetPermissionsForGroups(ctx, doc.GroupsMask)
		if err != nil {
			return err
		}
		_, err = m.coll.UpdateMany(ctx, identityFilter(raw), store.Filter{"$set": store.Filter{
			groupsMaskField:      doc.GroupsMask.ToBytes(),
			permissionsMaskField: newPerms.ToBytes(),
		}})
		return err
	})
}

// RecalculatePermissions reads groupsMask for every user matching filter,
// asks resolver for the union over those groups, and writes permissionsMask.
func (m *Model) RecalculatePermissions(ctx context.Context, filter store.Filter, resolver Resolver) error {
	matched, err := m.findRaw(ctx, filter)
	if err != nil {
		return err
	}
	return m.forEachRaw(ctx, matched, func(ctx context.Context, raw map[string]any) error {
		doc := toDoc(raw, m.groupByteLength, m.permissionByteLength)
		newPerms, err := resolver.GetPermissionsForGroups(ctx, doc.GroupsMask)
		if err != nil {
			return err
		}
		_, err = m.coll.UpdateMany(ctx, identityFilter(raw), store.Filter{"$set": store.Filter{
			permissionsMaskField: newPerms.ToBytes(),
		}})
		return err
	})
}

// ByteLengths reports the configured (Gb, P) byte lengths.
func (m *Model) ByteLengths() (groupByteLength, permissionByteLength int) {
	return m.groupByteLength, m.permissionByteLength
}

// SetByteLengths updates (Gb, P) after a successful resize.
func (m *Model) SetByteLengths(groupByteLength, permissionByteLength int) {
	m.groupByteLength = groupByteLength
	m.permissionByteLength = permissionByteLength
}

// RewriteGroupsMaskLength re-encodes every user's groupsMask to newLength
// bytes — create(newLength).merge(old) — the resize protocol's mask
// rewrite step for a groups-universe resize. Updates Gb on success.
func (m *Model) RewriteGroupsMaskLength(ctx context.Context, newLength int) error {
	if err := m.rewriteMaskField(ctx, groupsMaskField, m.groupByteLength, newLength); err != nil {
		return err
	}
	m.groupByteLength = newLength
	return nil
}

// RewritePermissionsMaskLength re-encodes every user's permissionsMask to
// newLength bytes, the resize protocol's mask rewrite step for a
// permissions-universe resize. Updates P on success.
func (m *Model) RewritePermissionsMaskLength(ctx context.Context, newLength int) error {
	if err := m.rewriteMaskField(ctx, permissionsMaskField, m.permissionByteLength, newLength); err != nil {
		return err
	}
	m.permissionByteLength = newLength
	return nil
}

func (m *Model) rewriteMaskField(ctx context.Context, field string, oldLength, newLength int) error {
	matched, err := m.findRaw(ctx, store.Filter{})
	if err != nil {
		return err
	}
	return m.forEachRaw(ctx, matched, func(ctx context.Context, raw map[string]any) error {
		old := mask.MustCreate(oldLength)
		if b, ok := raw[field].([]byte); ok {
			old = mask.Decode(b)
		}
		fresh := mask.MustCreate(newLength)
		fresh.Merge(old)
		_, err := m.coll.UpdateMany(ctx, identityFilter(raw), store.Filter{"$set": store.Filter{field: fresh.ToBytes()}})
		return err
	})
}
