// Package group implements the group model (spec section 4.4): the slot
// allocator plus the permission-aware operations that make a group's
// permissionsMask the unit of composition for derived user permissions.
package group

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/sanitize"
	"github.com/gibbonhq/gibbons/slot"
	"github.com/gibbonhq/gibbons/store"
)

// defaultConcurrency bounds the fan-out in updateMasksForPositions until a
// caller sizes it to the configured mutationConcurrency via SetConcurrency.
const defaultConcurrency = 4

const permissionsMaskField = "permissionsMask"

// PermissionsMaskField lets callers outside this package (the gibbon
// facade) build filters against this field without duplicating the literal.
const PermissionsMaskField = permissionsMaskField

func sanitizeReserved(data map[string]any) map[string]any {
	return sanitize.Metadata(data, append([]string{permissionsMaskField}, slot.BaseReserved...)...)
}

// Doc is the decoded view of one group row.
type Doc struct {
	Position        int
	Allocated       bool
	PermissionsMask *mask.Mask
	Metadata        map[string]any
}

func toDoc(raw map[string]any, permissionByteLength int) Doc {
	pm := mask.MustCreate(permissionByteLength)
	if b, ok := raw[permissionsMaskField].([]byte); ok {
		pm = mask.Decode(b)
	}
	return Doc{
		Position:        store.ToInt(raw["position"]),
		Allocated:       asBool(raw["allocated"]),
		PermissionsMask: pm,
		Metadata:        store.ExtractMetadata(raw, "position", "allocated", permissionsMaskField),
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Model wraps a group collection with the slot allocator and the
// permission-set operations spec section 4.4 adds on top of it.
type Model struct {
	coll                 store.Collection
	alloc                *slot.Allocator
	permissionByteLength int
	sem                  *semaphore.Weighted
}

// New returns a Model over coll. permissionByteLength is P, the byte length
// of every group's permissionsMask.
func New(coll store.Collection, permissionByteLength int) *Model {
	return &Model{
		coll:                 coll,
		alloc:                slot.New(coll, "group", permissionsMaskField),
		permissionByteLength: permissionByteLength,
		sem:                  semaphore.NewWeighted(defaultConcurrency),
	}
}

// SetConcurrency bounds the worker pool used by mask fan-out updates to n —
// the configured mutationConcurrency (spec section 5).
func (m *Model) SetConcurrency(n int) {
	m.sem = semaphore.NewWeighted(int64(n))
}

func (m *Model) zeroMaskExtra() store.Filter {
	return store.Filter{permissionsMaskField: mask.MustCreate(m.permissionByteLength).ToBytes()}
}

// Allocate claims the lowest free group position, resetting permissionsMask
// to zero(P) and merging sanitized caller metadata.
func (m *Model) Allocate(ctx context.Context, data map[string]any) (Doc, error) {
	var raw map[string]any
	if err := m.alloc.Allocate(ctx, data, m.zeroMaskExtra(), &raw); err != nil {
		return Doc{}, err
	}
	return toDoc(raw, m.permissionByteLength), nil
}

// Deallocate resets each position in positions to {position, allocated:false,
// permissionsMask: zero(P)}, erasing metadata.
func (m *Model) Deallocate(ctx context.Context, positions []int) error {
	return m.alloc.Deallocate(ctx, positions, m.zeroMaskExtra())
}

// Validate reports whether every position has allocated == wantAllocated.
func (m *Model) Validate(ctx context.Context, positions []int, wantAllocated bool) (bool, error) {
	return m.alloc.Validate(ctx, positions, wantAllocated)
}

// Find returns the rows at the given positions, with permissionsMask decoded.
func (m *Model) Find(ctx context.Context, positions []int) ([]Doc, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	vals := make([]any, len(positions))
	for i, p := range positions {
		vals[i] = p
	}
	var out []Doc
	err := m.coll.Find(ctx, store.Filter{"position": store.In(vals...)}, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		out = append(out, toDoc(raw, m.permissionByteLength))
		return nil
	})
	return out, err
}

// FindAllAllocated returns every allocated group row.
func (m *Model) FindAllAllocated(ctx context.Context) ([]Doc, error) {
	var out []Doc
	err := m.coll.Find(ctx, store.Filter{"allocated": true}, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		out = append(out, toDoc(raw, m.permissionByteLength))
		return nil
	})
	return out, err
}

// FindByPermissions returns groups whose permissionsMask shares any bit with
// permMask, filtered by allocated == wantAllocated.
func (m *Model) FindByPermissions(ctx context.Context, permMask *mask.Mask, wantAllocated bool) ([]Doc, error) {
	var out []Doc
	err := m.coll.Find(ctx, store.Filter{
		permissionsMaskField: store.BitsAnySet(permMask.ToBytes()),
		"allocated":          wantAllocated,
	}, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		out = append(out, toDoc(raw, m.permissionByteLength))
		return nil
	})
	return out, err
}

// GetPermissionsForGroups reads the permissionsMask of every allocated group
// whose position is set in groupMask and bitwise-ORs them into a fresh
// zero(P) mask — the defining computation of a derived user permission.
func (m *Model) GetPermissionsForGroups(ctx context.Context, groupMask *mask.Mask) (*mask.Mask, error) {
	out := mask.MustCreate(m.permissionByteLength)
	positions := groupMask.GetPositions()
	if len(positions) == 0 {
		return out, nil
	}
	docs, err := m.Find(ctx, positions)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if !d.Allocated {
			continue
		}
		out.Merge(d.PermissionsMask)
	}
	return out, nil
}

// SubscribePermissions ORs permMask into permissionsMask for every group row
// whose position is set in groupMask.
func (m *Model) SubscribePermissions(ctx context.Context, groupMask, permMask *mask.Mask) error {
	return m.updateMasksForPositions(ctx, groupMask.GetPositions(), func(cur *mask.Mask) { cur.Merge(permMask) })
}

// UnsubscribePermissions AND-NOTs permMask out of permissionsMask for every
// group row whose position is set in groupMask.
func (m *Model) UnsubscribePermissions(ctx context.Context, groupMask, permMask *mask.Mask) error {
	return m.updateMasksForPositions(ctx, groupMask.GetPositions(), func(cur *mask.Mask) { cur.AndNot(permMask) })
}

// UnsetPermissions clears every bit of permMask from the permissionsMask of
// every group whose permissionsMask currently has any bit set in permMask —
// the reaction to a permission being deallocated (spec section 4.7).
func (m *Model) UnsetPermissions(ctx context.Context, permMask *mask.Mask) error {
	var targets []int
	err := m.coll.Find(ctx, store.Filter{permissionsMaskField: store.BitsAnySet(permMask.ToBytes())}, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		targets = append(targets, store.ToInt(raw["position"]))
		return nil
	})
	if err != nil {
		return err
	}
	return m.updateMasksForPositions(ctx, targets, func(cur *mask.Mask) { cur.AndNot(permMask) })
}

// updateMasksForPositions streams the given positions through a worker pool
// bounded by m.sem (mutationConcurrency), each worker reading, applying, and
// writing back one row's permissionsMask. apply's mutation is commutative
// (OR/AND-NOT), so concurrent workers never race on correctness, only on
// in-flight count — what the semaphore bounds.
func (m *Model) updateMasksForPositions(ctx context.Context, positions []int, apply func(cur *mask.Mask)) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, p := range positions {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(p int) {
			defer m.sem.Release(1)
			defer wg.Done()
			if err := m.updateOneMask(ctx, p, apply); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return firstErr
}

func (m *Model) updateOneMask(ctx context.Context, p int, apply func(cur *mask.Mask)) error {
	var raw map[string]any
	if err := m.coll.FindOne(ctx, store.Filter{"position": p}, &raw); err != nil {
		if errors.Is(err, store.ErrNoDocuments) {
			return nil
		}
		return err
	}
	doc := toDoc(raw, m.permissionByteLength)
	apply(doc.PermissionsMask)
	_, err := m.coll.UpdateMany(ctx, store.Filter{"position": p},
		store.Filter{"$set": store.Filter{permissionsMaskField: doc.PermissionsMask.ToBytes()}})
	return err
}

// UpdateMetadata merges sanitized data into the allocated row at position.
// Returns (nil, nil) if no allocated row exists at that position.
func (m *Model) UpdateMetadata(ctx context.Context, position int, data map[string]any) (*Doc, error) {
	clean := sanitizeReserved(data)
	var raw map[string]any
	err := m.coll.FindOneAndUpdate(ctx,
		store.Filter{"position": position, "allocated": true},
		store.Filter{"$set": clean}, nil, &raw)
	if errors.Is(err, store.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := toDoc(raw, m.permissionByteLength)
	return &d, nil
}

// ByteLength reports P, the configured permissionsMask byte length — read by
// the resize protocol.
func (m *Model) ByteLength() int { return m.permissionByteLength }

// SetByteLength updates P after a successful expand/shrink of permissions,
// per spec section 4.8 step 3.
func (m *Model) SetByteLength(n int) { m.permissionByteLength = n }

// RewritePermissionsMaskLength re-encodes every group's permissionsMask to
// newLength bytes — create(newLength).merge(old) — preserving set bits and
// zero-padding on the high side for an expand, or truncating for a shrink
// (the resize protocol's precondition guarantees no set bit is lost). Updates
// the model's own byte length on success.
func (m *Model) RewritePermissionsMaskLength(ctx context.Context, newLength int) error {
	var matched []map[string]any
	err := m.coll.Find(ctx, store.Filter{}, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		matched = append(matched, raw)
		return nil
	})
	if err != nil {
		return err
	}
	for _, raw := range matched {
		old := mask.MustCreate(m.permissionByteLength)
		if b, ok := raw[permissionsMaskField].([]byte); ok {
			old = mask.Decode(b)
		}
		fresh := mask.MustCreate(newLength)
		fresh.Merge(old)
		if _, err := m.coll.UpdateMany(ctx, store.Filter{"position": raw["position"]},
			store.Filter{"$set": store.Filter{permissionsMaskField: fresh.ToBytes()}}); err != nil {
			return err
		}
	}
	m.permissionByteLength = newLength
	return nil
}
