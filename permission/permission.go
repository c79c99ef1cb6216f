// Package permission implements the permission model (spec section 4.5):
// the slot allocator plus validate/find/findAllAllocated/updateMetadata,
// with no mask field of its own — a permission slot's only state is its
// position, allocated flag, and caller metadata.
package permission

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/sanitize"
	"github.com/gibbonhq/gibbons/slot"
	"github.com/gibbonhq/gibbons/store"
)

func sanitizeReserved(data map[string]any) map[string]any {
	return sanitize.Metadata(data, slot.BaseReserved...)
}

// Doc is the decoded view of one permission row.
type Doc struct {
	Position  int
	Allocated bool
	Metadata  map[string]any
}

func toDoc(raw map[string]any) Doc {
	return Doc{
		Position:  store.ToInt(raw["position"]),
		Allocated: asBool(raw["allocated"]),
		Metadata:  store.ExtractMetadata(raw, "position", "allocated"),
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Model wraps a permission collection with the slot allocator.
type Model struct {
	coll  store.Collection
	alloc *slot.Allocator
}

// New returns a Model over coll.
func New(coll store.Collection) *Model {
	return &Model{coll: coll, alloc: slot.New(coll, "permission")}
}

// Allocate claims the lowest free permission position, merging sanitized
// caller metadata into it.
func (m *Model) Allocate(ctx context.Context, data map[string]any) (Doc, error) {
	var raw map[string]any
	if err := m.alloc.Allocate(ctx, data, nil, &raw); err != nil {
		return Doc{}, err
	}
	return toDoc(raw), nil
}

// Deallocate resets each position in positions to {position, allocated:false},
// erasing metadata.
func (m *Model) Deallocate(ctx context.Context, positions []int) error {
	return m.alloc.Deallocate(ctx, positions, nil)
}

// Validate reports whether every position has allocated == wantAllocated.
func (m *Model) Validate(ctx context.Context, positions []int, wantAllocated bool) (bool, error) {
	return m.alloc.Validate(ctx, positions, wantAllocated)
}

// Find returns the rows at the given positions.
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
		out = append(out, toDoc(raw))
		return nil
	})
	return out, err
}

// FindAllAllocated returns every allocated permission row.
func (m *Model) FindAllAllocated(ctx context.Context) ([]Doc, error) {
	var out []Doc
	err := m.coll.Find(ctx, store.Filter{"allocated": true}, func(d store.Decoder) error {
		var raw map[string]any
		if err := d.Decode(&raw); err != nil {
			return err
		}
		out = append(out, toDoc(raw))
		return nil
	})
	return out, err
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
	d := toDoc(raw)
	return &d, nil
}
