package mask

import (
	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
)

// Ensure coerces an arbitrary caller-supplied value into a Mask of exactly
// length bytes, per spec section 4.2:
//   - a *Mask of the right length is returned as-is
//   - a *Mask of the wrong length is merged into a fresh mask (high bits
//     beyond the target length are dropped)
//   - a []int is treated as a list of 1-based positions
//   - a []byte is decoded then merged into a fresh mask of the target length
//
// Any other input type is a TypeMismatch error.
func Ensure(input any, length int) (*Mask, error) {
	switch v := input.(type) {
	case *Mask:
		if v.Len() == length {
			return v, nil
		}
		out, err := Create(length)
		if err != nil {
			return nil, err
		}
		out.Merge(v)
		return out, nil
	case []int:
		out, err := Create(length)
		if err != nil {
			return nil, err
		}
		if err := out.SetAllFromPositions(v); err != nil {
			return nil, err
		}
		return out, nil
	case []byte:
		out, err := Create(length)
		if err != nil {
			return nil, err
		}
		out.Merge(Decode(v))
		return out, nil
	case nil:
		return Create(length)
	default:
		return nil, errors.Mark(errors.Newf("mask: ensure: unsupported input type %T", input), errs.TypeMismatch)
	}
}
