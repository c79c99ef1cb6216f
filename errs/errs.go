// Package errs collects the sentinel error kinds from spec section 7. Every
// error the engine raises for one of these kinds is wrapped with errors.Mark
// against it, so callers test with errors.Is(err, errs.Exhausted) rather than
// string-matching messages. Store failures and other errors are returned
// without a mark.
package errs

import "github.com/cockroachdb/errors"

var (
	// Exhausted: allocation found no free slot.
	Exhausted = errors.New("exhausted")
	// NotAllocated: caller named a position that is not currently allocated.
	NotAllocated = errors.New("not allocated")
	// ShrinkDeniesLive: a resize shrink would drop allocated slots.
	ShrinkDeniesLive = errors.New("shrink denies live")
	// ResizeDirection: new_L is not strictly greater/less than old_L as required.
	ResizeDirection = errors.New("resize direction")
	// AlreadySeeded: the seeder probe found pre-existing data.
	AlreadySeeded = errors.New("already seeded")
	// TypeMismatch: coercion received a value that is not bytes/mask/position-list.
	TypeMismatch = errors.New("type mismatch")
	// RangeError: invalid position index or invalid byte length.
	RangeError = errors.New("range error")
)
