// Package slot implements the allocator shared by the group and permission
// models (spec section 4.3): find-the-lowest-free-position allocation via a
// single atomic find-and-modify, and reset-by-replace deallocation. Both
// group and permission wrap an *Allocator with their own reserved-key list
// and any entity-specific fields (a group's permissionsMask reset).
package slot

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
	"github.com/gibbonhq/gibbons/sanitize"
	"github.com/gibbonhq/gibbons/store"
)

// BaseReserved are the document keys every slot owns regardless of entity;
// slot-backed models extend this with their own (group adds
// "permissionsMask"). Package user, which has no slots, keeps its own list.
var BaseReserved = []string{"position", "allocated"}

// Allocator finds and claims the lowest free position in a pre-seeded
// collection, and resets claimed positions back to free on deallocation.
type Allocator struct {
	coll     store.Collection
	entity   string
	reserved []string
}

// New returns an Allocator over coll. entity names the slot kind ("group" or
// "permission") for the Exhausted error message. reserved lists additional
// document keys, beyond BaseReserved, that caller metadata must never
// overwrite.
func New(coll store.Collection, entity string, reserved ...string) *Allocator {
	all := make([]string, 0, len(BaseReserved)+len(reserved))
	all = append(all, BaseReserved...)
	all = append(all, reserved...)
	return &Allocator{coll: coll, entity: entity, reserved: all}
}

// Allocate claims the lowest-position row with allocated=false, merging
// sanitized data and any entity-specific extra fields (e.g. a group's fresh
// zero permissionsMask) into it, and decodes the post-image into out. Fails
// with errs.Exhausted if no row is free.
func (a *Allocator) Allocate(ctx context.Context, data map[string]any, extra store.Filter, out any) error {
	clean := sanitize.Metadata(data, a.reserved...)
	set := store.Filter{"allocated": true}
	for k, v := range clean {
		set[k] = v
	}
	for k, v := range extra {
		set[k] = v
	}
	update := store.Filter{"$set": set}
	err := a.coll.FindOneAndUpdate(ctx, store.Filter{"allocated": false}, update, store.Filter{"position": 1}, out)
	if errors.Is(err, store.ErrNoDocuments) {
		return errors.Mark(errors.Newf("slot: not able to allocate %s, all are allocated", a.entity), errs.Exhausted)
	}
	return err
}

// Deallocate resets each position in positions back to its seeded state —
// {position, allocated:false} plus any entity-specific reset fields — by
// replacement, erasing prior metadata. Positions that are already free (or
// do not exist) are silently skipped, matching a replace-by-filter that
// simply matches nothing.
func (a *Allocator) Deallocate(ctx context.Context, positions []int, resetExtra store.Filter) error {
	for _, p := range positions {
		reset := store.Filter{"position": p, "allocated": false}
		for k, v := range resetExtra {
			reset[k] = v
		}
		var discard map[string]any
		err := a.coll.FindOneAndReplace(ctx, store.Filter{"position": p}, reset, &discard)
		if err != nil && !errors.Is(err, store.ErrNoDocuments) {
			return err
		}
	}
	return nil
}

// Validate reports whether every position in positions currently has
// allocated == wantAllocated, via a single count compared against the input
// size (spec section 4.3).
func (a *Allocator) Validate(ctx context.Context, positions []int, wantAllocated bool) (bool, error) {
	if len(positions) == 0 {
		return true, nil
	}
	vals := make([]any, len(positions))
	for i, p := range positions {
		vals[i] = p
	}
	n, err := a.coll.CountDocuments(ctx, store.Filter{
		"position":  store.In(vals...),
		"allocated": wantAllocated,
	})
	if err != nil {
		return false, err
	}
	return n == int64(len(positions)), nil
}

// CountAllocated returns the number of rows with allocated == true.
func (a *Allocator) CountAllocated(ctx context.Context) (int64, error) {
	return a.coll.CountDocuments(ctx, store.Filter{"allocated": true})
}
