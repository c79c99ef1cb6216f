package gibbon

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/store"
)

// Status constants for a CollectionHealth.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CollectionHealth describes the health of a single backing collection.
type CollectionHealth struct {
	Name      string
	Status    string
	Message   string
	LastCheck int64
	Latency   time.Duration
}

// HealthReport is the aggregate result of probing every registered
// collection.
type HealthReport struct {
	OverallStatus string
	Collections   []*CollectionHealth
	CheckedAt     int64
}

// HealthChecker probes the group, permission, and user collections with a
// cheap CountDocuments round-trip, giving operators a single call to verify
// the facade's store connection is alive before trusting allocate/subscribe
// traffic to it. All methods are safe for concurrent use.
type HealthChecker struct {
	mu    sync.RWMutex
	colls map[string]store.Collection
	order []string
}

// NewHealthChecker returns a HealthChecker with no registered collections.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{colls: make(map[string]store.Collection)}
}

// Register adds a named collection to probe. Re-registering a name replaces
// its collection without disturbing its position in CheckAll's order.
func (hc *HealthChecker) Register(name string, coll store.Collection) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, exists := hc.colls[name]; !exists {
		hc.order = append(hc.order, name)
	}
	hc.colls[name] = coll
}

// CheckAll probes every registered collection in registration order and
// returns a consolidated report. A probe failure marks that collection
// unhealthy and degrades (never upgrades) the overall status.
func (hc *HealthChecker) CheckAll(ctx context.Context) *HealthReport {
	hc.mu.RLock()
	names := make([]string, len(hc.order))
	copy(names, hc.order)
	colls := make(map[string]store.Collection, len(hc.colls))
	for k, v := range hc.colls {
		colls[k] = v
	}
	hc.mu.RUnlock()

	report := &HealthReport{OverallStatus: StatusHealthy, CheckedAt: nowUnix()}
	for _, name := range names {
		report.Collections = append(report.Collections, hc.probe(ctx, name, colls[name]))
	}
	for _, c := range report.Collections {
		if c.Status == StatusUnhealthy {
			report.OverallStatus = StatusUnhealthy
		} else if c.Status == StatusDegraded && report.OverallStatus != StatusUnhealthy {
			report.OverallStatus = StatusDegraded
		}
	}
	return report
}

func (hc *HealthChecker) probe(ctx context.Context, name string, coll store.Collection) *CollectionHealth {
	start := time.Now()
	_, err := coll.CountDocuments(ctx, store.Filter{})
	h := &CollectionHealth{Name: name, LastCheck: nowUnix(), Latency: time.Since(start)}
	if err != nil {
		h.Status = StatusUnhealthy
		h.Message = errors.Wrap(err, "count probe failed").Error()
		return h
	}
	h.Status = StatusHealthy
	return h
}

// IsHealthy reports whether every registered collection is currently
// reachable.
func (hc *HealthChecker) IsHealthy(ctx context.Context) bool {
	return hc.CheckAll(ctx).OverallStatus == StatusHealthy
}

// RegisteredCollections returns every registered collection name, sorted.
func (hc *HealthChecker) RegisteredCollections() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, len(hc.order))
	copy(names, hc.order)
	sort.Strings(names)
	return names
}

func nowUnix() int64 { return time.Now().Unix() }

// Health returns a HealthChecker wired against this facade's group,
// permission, and user collections.
func (f *Facade) Health() *HealthChecker {
	hc := NewHealthChecker()
	hc.Register("group", f.groupColl)
	hc.Register("permission", f.permColl)
	hc.Register("user", f.userColl)
	return hc
}
