package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var errDuplicatePosition = errors.New("store: duplicate position in unique index")

// MemoryDatabase is an in-process fake of Database for tests, grounded on
// the teacher pack's mutex-guarded-map store pattern (see
// other_examples/..._haasonsaas-nexus__internal-nodes-memory_store.go.go's
// MemoryStore). It round-trips inserted and read documents through bson
// (see codec.go) so the same struct tags that drive encoding against a real
// MongoDB also drive this fake, keeping both backends honest about field
// names.
type MemoryDatabase struct {
	groups      *memCollection
	permissions *memCollection
	users       *memCollection
}

// NewMemoryDatabase returns an empty fake database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		groups:      newMemCollection(),
		permissions: newMemCollection(),
		users:       newMemCollection(),
	}
}

func (d *MemoryDatabase) Groups() Collection      { return d.groups }
func (d *MemoryDatabase) Permissions() Collection { return d.permissions }
func (d *MemoryDatabase) Users() Collection       { return d.users }

// MemoryTxRunner runs fn directly with the ambient context: the fake store
// has no transaction isolation, only the serialization a single mutex
// provides, sufficient for exercising the facade's orchestration logic
// without a live MongoDB deployment.
type MemoryTxRunner struct{}

func (MemoryTxRunner) WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return fn(ctx)
}

type memDoc = map[string]any

type memCollection struct {
	mu      sync.Mutex
	docs    []memDoc
	indexed map[string]bool
}

func newMemCollection() *memCollection {
	return &memCollection{indexed: make(map[string]bool)}
}

func matches(doc memDoc, filter Filter) bool {
	for k, want := range filter {
		if sub, ok := want.(map[string]any); ok {
			if !matchesOperator(doc[k], sub) {
				return false
			}
			continue
		}
		if list, ok := want.(inList); ok {
			found := false
			for _, v := range list.values {
				if equalValue(doc[k], v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if bits, ok := want.(bitsAnySet); ok {
			if !bytesShareSetBit(toByteSlice(doc[k]), bits.mask) {
				return false
			}
			continue
		}
		if !equalValue(doc[k], want) {
			return false
		}
	}
	return true
}

// inList is a filter-value marker package slot/group/permission/user build
// to express `field IN (...)`, since the fake has no query language.
type inList struct{ values []any }

// In builds a Filter value matching any of values, mirroring Mongo's $in.
func In(values ...any) inList { return inList{values: values} }

// bitsAnySet is a filter-value marker for "any bit set in field intersects
// mask" queries over a binary field, mirroring Mongo's $bitsAnySet.
type bitsAnySet struct{ mask []byte }

// BitsAnySet builds a Filter value matching documents whose field shares any
// set bit with m.
func BitsAnySet(m []byte) bitsAnySet { return bitsAnySet{mask: m} }

func matchesOperator(got any, ops map[string]any) bool {
	for op, v := range ops {
		switch op {
		case "$ne":
			if equalValue(got, v) {
				return false
			}
		case "$gt":
			gf, gOk := toFloat(got)
			vf, vOk := toFloat(v)
			if !gOk || !vOk || !(gf > vf) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toByteSlice(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func bytesShareSetBit(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i]&b[i] != 0 {
			return true
		}
	}
	return false
}

func equalValue(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		if !ok {
			return false
		}
		return bytes.Equal(ab, bb)
	}
	af, aOk := toFloat(a)
	bf, bOk := toFloat(b)
	if aOk && bOk {
		return af == bf
	}
	return a == b
}

func cloneDoc(d memDoc) memDoc {
	out := make(memDoc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func decodeInto(d memDoc, v any) error {
	return decodeMapToStruct(d, v)
}

func (m *memCollection) FindOne(ctx context.Context, filter Filter, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if matches(d, filter) {
			return decodeInto(cloneDoc(d), v)
		}
	}
	return ErrNoDocuments
}

func (m *memCollection) Find(ctx context.Context, filter Filter, fn func(d Decoder) error) error {
	m.mu.Lock()
	var matched []memDoc
	for _, d := range m.docs {
		if matches(d, filter) {
			matched = append(matched, cloneDoc(d))
		}
	}
	m.mu.Unlock()

	for _, d := range matched {
		if err := fn(memDecoder{d}); err != nil {
			return err
		}
	}
	return nil
}

type memDecoder struct{ d memDoc }

func (m memDecoder) Decode(v any) error { return decodeInto(m.d, v) }

func (m *memCollection) FindOneAndUpdate(ctx context.Context, filter, update Filter, sort Filter, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxs := make([]int, 0)
	for i, d := range m.docs {
		if matches(d, filter) {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return ErrNoDocuments
	}
	if sort != nil {
		sortIndexesBy(m.docs, idxs, sort)
	}
	i := idxs[0]
	applyUpdate(m.docs[i], update)
	return decodeInto(cloneDoc(m.docs[i]), v)
}

func sortIndexesBy(docs []memDoc, idxs []int, sort Filter) {
	var field string
	ascending := true
	for k, dir := range sort {
		field = k
		if f, ok := toFloat(dir); ok && f < 0 {
			ascending = false
		}
		break
	}
	if field == "" {
		return
	}
	sort.Slice(idxs, func(i, j int) bool {
		fi, _ := toFloat(docs[idxs[i]][field])
		fj, _ := toFloat(docs[idxs[j]][field])
		if ascending {
			return fi < fj
		}
		return fi > fj
	})
}

// applyUpdate applies update to doc. Every production call site (slot
// allocation's FindOneAndUpdate, the group/user mask fan-out's UpdateMany)
// always wraps its payload in "$set"; a full-document reset goes through
// FindOneAndReplace instead, never through here.
func applyUpdate(doc memDoc, update Filter) {
	for op, payload := range update {
		fields, _ := payload.(Filter)
		if fields == nil {
			fields, _ = payload.(map[string]any)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		}
	}
}

func (m *memCollection) FindOneAndReplace(ctx context.Context, filter, replacement Filter, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.docs {
		if matches(d, filter) {
			fresh := make(memDoc, len(replacement))
			for k, val := range replacement {
				fresh[k] = val
			}
			m.docs[i] = fresh
			return decodeInto(cloneDoc(fresh), v)
		}
	}
	return ErrNoDocuments
}

func (m *memCollection) UpdateMany(ctx context.Context, filter, update Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.docs {
		if matches(d, filter) {
			applyUpdate(d, update)
			n++
		}
	}
	return n, nil
}

func (m *memCollection) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.docs[:0]
	var n int64
	for _, d := range m.docs {
		if matches(d, filter) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	m.docs = kept
	return n, nil
}

func (m *memCollection) CountDocuments(ctx context.Context, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.docs {
		if matches(d, filter) {
			n++
		}
	}
	return n, nil
}

func (m *memCollection) InsertMany(ctx context.Context, docs []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range docs {
		d, err := toMemDoc(raw)
		if err != nil {
			return err
		}
		if m.indexed["position"] {
			for _, existing := range m.docs {
				if equalValue(existing["position"], d["position"]) {
					return errDuplicatePosition
				}
			}
		}
		m.docs = append(m.docs, d)
	}
	return nil
}

func (m *memCollection) EnsureUniqueIndex(ctx context.Context, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed[field] = true
	return nil
}
