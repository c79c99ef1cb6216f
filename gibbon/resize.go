package gibbon

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
	"github.com/gibbonhq/gibbons/group"
	"github.com/gibbonhq/gibbons/mask"
	"github.com/gibbonhq/gibbons/seed"
	"github.com/gibbonhq/gibbons/store"
)

func zeroMaskBytes(length int) []byte {
	return mask.MustCreate(length).ToBytes()
}

// universeSize counts the rows currently seeded into coll (groups or
// permissions), which is always exactly 8*L for the collection's current
// byte length L (invariant I1) — used as old_L without needing the facade
// to separately track the group universe's byte length.
func universeSize(ctx context.Context, coll store.Collection) (int, error) {
	n, err := coll.CountDocuments(ctx, store.Filter{})
	if err != nil {
		return 0, err
	}
	return int(n) / 8, nil
}

func checkDirection(oldL, newL int, expand bool) error {
	if expand && newL <= oldL {
		return errors.Mark(errors.Newf("gibbon: resize: expand requires new length > old length, got %d <= %d", newL, oldL), errs.ResizeDirection)
	}
	if !expand && newL >= oldL {
		return errors.Mark(errors.Newf("gibbon: resize: shrink requires new length < old length, got %d >= %d", newL, oldL), errs.ResizeDirection)
	}
	return nil
}

// checkShrinkSafety counts rows beyond the new boundary that are still
// allocated; if any exist the shrink must abort before any destructive write
// (spec section 4.8's safety check).
func checkShrinkSafety(ctx context.Context, coll store.Collection, newL int) error {
	n, err := coll.CountDocuments(ctx, store.Filter{
		"position":  store.Filter{"$gt": newL * 8},
		"allocated": true,
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return errors.Mark(errors.Newf("gibbon: resize: cannot shrink: %d allocated slots exist beyond the new boundary", n), errs.ShrinkDeniesLive)
	}
	return nil
}

// ExpandPermissions grows the permission universe to newP bytes: seeds the
// newly addressable positions as free slots, then rewrites every group's and
// every user's permissionsMask to the new length.
func (f *Facade) ExpandPermissions(ctx context.Context, newP int) error {
	return f.executeInSession(ctx, func(ctx context.Context) error {
		oldP, err := universeSize(ctx, f.permColl)
		if err != nil {
			return err
		}
		if err := checkDirection(oldP, newP, true); err != nil {
			return err
		}
		if err := seed.SeedRange(ctx, f.permColl, oldP*8+1, newP*8, nil); err != nil {
			return err
		}
		if err := f.groups.RewritePermissionsMaskLength(ctx, newP); err != nil {
			return err
		}
		if err := f.users.RewritePermissionsMaskLength(ctx, newP); err != nil {
			return err
		}
		logger.Info("expanded permissions", "from", oldP, "to", newP)
		return nil
	})
}

// ShrinkPermissions shrinks the permission universe to newP bytes, aborting
// with errs.ShrinkDeniesLive if any allocated permission lies beyond the new
// boundary.
func (f *Facade) ShrinkPermissions(ctx context.Context, newP int) error {
	return f.executeInSession(ctx, func(ctx context.Context) error {
		oldP, err := universeSize(ctx, f.permColl)
		if err != nil {
			return err
		}
		if err := checkDirection(oldP, newP, false); err != nil {
			return err
		}
		if err := checkShrinkSafety(ctx, f.permColl, newP); err != nil {
			return err
		}
		if _, err := f.permColl.DeleteMany(ctx, store.Filter{"position": store.Filter{"$gt": newP * 8}}); err != nil {
			return err
		}
		if err := f.groups.RewritePermissionsMaskLength(ctx, newP); err != nil {
			return err
		}
		if err := f.users.RewritePermissionsMaskLength(ctx, newP); err != nil {
			return err
		}
		logger.Info("shrank permissions", "from", oldP, "to", newP)
		return nil
	})
}

// ExpandGroups grows the group universe to newGb bytes: seeds the newly
// addressable group positions as free slots with a zeroed permissionsMask,
// then rewrites every user's groupsMask to the new length.
func (f *Facade) ExpandGroups(ctx context.Context, newGb int) error {
	return f.executeInSession(ctx, func(ctx context.Context) error {
		oldGb, err := universeSize(ctx, f.groupColl)
		if err != nil {
			return err
		}
		if err := checkDirection(oldGb, newGb, true); err != nil {
			return err
		}
		extra := store.Filter{group.PermissionsMaskField: zeroMaskBytes(f.groups.ByteLength())}
		if err := seed.SeedRange(ctx, f.groupColl, oldGb*8+1, newGb*8, extra); err != nil {
			return err
		}
		if err := f.users.RewriteGroupsMaskLength(ctx, newGb); err != nil {
			return err
		}
		logger.Info("expanded groups", "from", oldGb, "to", newGb)
		return nil
	})
}

// ShrinkGroups shrinks the group universe to newGb bytes, aborting with
// errs.ShrinkDeniesLive if any allocated group lies beyond the new boundary.
func (f *Facade) ShrinkGroups(ctx context.Context, newGb int) error {
	return f.executeInSession(ctx, func(ctx context.Context) error {
		oldGb, err := universeSize(ctx, f.groupColl)
		if err != nil {
			return err
		}
		if err := checkDirection(oldGb, newGb, false); err != nil {
			return err
		}
		if err := checkShrinkSafety(ctx, f.groupColl, newGb); err != nil {
			return err
		}
		if _, err := f.groupColl.DeleteMany(ctx, store.Filter{"position": store.Filter{"$gt": newGb * 8}}); err != nil {
			return err
		}
		if err := f.users.RewriteGroupsMaskLength(ctx, newGb); err != nil {
			return err
		}
		logger.Info("shrank groups", "from", oldGb, "to", newGb)
		return nil
	})
}
