// Package seed implements the idempotent pre-population described in spec
// section 4.9: 8*Gb group rows and 8*P permission rows, batch-inserted, with
// a unique index on position guaranteeing invariant I1 even under
// concurrent seeders.
package seed

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
	"github.com/gibbonhq/gibbons/log"
	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/store"
)

var logger = log.Default().Module("seed")

// batchSize amortizes round-trips during bulk insert, per spec section 4.9.
const batchSize = 1000

// Sizes carries the two universe byte lengths the seeder needs: P
// (permissionByteLength) and Gb (groupByteLength).
type Sizes struct {
	PermissionByteLength int
	GroupByteLength      int
}

// isPopulated probes a collection cheaply for the schema marker: any
// document at all, since this engine never stores anything in these
// collections except slot rows carrying an "allocated" field.
func isPopulated(ctx context.Context, coll store.Collection) (bool, error) {
	n, err := coll.CountDocuments(ctx, store.Filter{})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Seed is the legacy, non-idempotent entry point: it raises errs.AlreadySeeded
// if either collection already holds data, preserving whatever allocations
// already exist rather than silently leaving them alone and returning
// success. See the idempotent Initialize for the behavior cmd/gibbons init
// actually calls.
func Seed(ctx context.Context, db store.Database, sizes Sizes) error {
	groupsPopulated, err := isPopulated(ctx, db.Groups())
	if err != nil {
		return err
	}
	permissionsPopulated, err := isPopulated(ctx, db.Permissions())
	if err != nil {
		return err
	}
	if groupsPopulated || permissionsPopulated {
		return errors.Mark(errors.New("seed: called seed but permissions and groups seem to be populated already"), errs.AlreadySeeded)
	}

	if err := insertRange(ctx, db.Groups(), 1, sizes.GroupByteLength*8, groupExtra(sizes.PermissionByteLength)); err != nil {
		return err
	}
	if err := insertRange(ctx, db.Permissions(), 1, sizes.PermissionByteLength*8, nil); err != nil {
		return err
	}
	if err := EnsureIndexes(ctx, db); err != nil {
		return err
	}
	logger.Info("seeded", "groups", sizes.GroupByteLength*8, "permissions", sizes.PermissionByteLength*8)
	return nil
}

// Initialize wraps Seed, swallowing errs.AlreadySeeded into a no-op success —
// the documented, safer-default behavior of the `gibbons init` CLI command
// (spec section 9's open question).
func Initialize(ctx context.Context, db store.Database, sizes Sizes) error {
	err := Seed(ctx, db, sizes)
	if errors.Is(err, errs.AlreadySeeded) {
		logger.Info("already seeded, nothing to do")
		return nil
	}
	return err
}

// SeedRange inserts only the free rows for positions [from, to] (inclusive)
// of the given collection, without the already-seeded check Seed performs —
// it is the resize protocol's expand-phase primitive (spec section 4.8/4.9).
func SeedRange(ctx context.Context, coll store.Collection, from, to int, extra store.Filter) error {
	return insertRange(ctx, coll, from, to, extra)
}

func groupExtra(permissionByteLength int) store.Filter {
	return store.Filter{"permissionsMask": mask.MustCreate(permissionByteLength).ToBytes()}
}

func insertRange(ctx context.Context, coll store.Collection, from, to int, extra store.Filter) error {
	var batch []any
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := coll.InsertMany(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for p := from; p <= to; p++ {
		doc := store.Filter{"position": p, "allocated": false}
		for k, v := range extra {
			doc[k] = v
		}
		batch = append(batch, doc)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// EnsureIndexes creates the unique ascending index on "position" for the
// group and permission collections.
func EnsureIndexes(ctx context.Context, db store.Database) error {
	if err := db.Groups().EnsureUniqueIndex(ctx, "position"); err != nil {
		return err
	}
	return db.Permissions().EnsureUniqueIndex(ctx, "position")
}
