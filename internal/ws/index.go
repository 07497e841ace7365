package ws

import (
	"sort"
	"sync"

	"github.com/cwatcher/backend/internal/models"
)

// Subscription is one connection's filter set. A new SUBSCRIBE fully
// replaces the previous subscription, it never merges.
type Subscription struct {
	All       bool
	Servers   map[string]struct{}
	Metrics   map[models.MetricKind]struct{} // empty means every metric
	MinStatus models.StatusKind              // empty means every status
}

// newSubscription builds a Subscription from a decoded SUBSCRIBE payload.
func newSubscription(d subscribeData) *Subscription {
	sub := &Subscription{All: d.Servers.All, MinStatus: d.MinStatus}
	if !sub.All {
		sub.Servers = make(map[string]struct{}, len(d.Servers.IDs))
		for _, id := range d.Servers.IDs {
			sub.Servers[id] = struct{}{}
		}
	}
	if len(d.Metrics) > 0 {
		sub.Metrics = make(map[models.MetricKind]struct{}, len(d.Metrics))
		for _, k := range d.Metrics {
			sub.Metrics[k] = struct{}{}
		}
	}
	return sub
}

// wantsSample applies the metric and min_status filters. The metric filter
// is a relevance gate: the encoded frame is shared across subscribers and
// never projected down to the requested families.
func (s *Subscription) wantsSample(sample *models.MetricsSample) bool {
	if s.MinStatus != "" && sample.Status.Rank() < s.MinStatus.Rank() {
		return false
	}
	if len(s.Metrics) == 0 {
		return true
	}
	for k := range s.Metrics {
		if sample.Metric(k) != nil {
			return true
		}
	}
	return false
}

// wantsStatus applies min_status to a transition. The higher-ranked side
// decides, so a subscriber that saw a server enter warning also sees it
// recover.
func (s *Subscription) wantsStatus(ev *models.StatusEvent) bool {
	if s.MinStatus == "" {
		return true
	}
	rank := ev.To.Rank()
	if r := ev.From.Rank(); r > rank {
		rank = r
	}
	return rank >= s.MinStatus.Rank()
}

// ack echoes the normalized subscription for SUBSCRIBE_ACK, with server ids
// sorted and metrics in display order.
func (s *Subscription) ack() ackData {
	d := ackData{MinStatus: s.MinStatus}
	d.Servers.All = s.All
	if !s.All {
		ids := make([]string, 0, len(s.Servers))
		for id := range s.Servers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		d.Servers.IDs = ids
	}
	for _, k := range models.AllMetricKinds {
		if _, ok := s.Metrics[k]; ok {
			d.Metrics = append(d.Metrics, k)
		}
	}
	return d
}

// Index routes broadcasts to connections. The hub's run loop is the only
// writer; broadcast lookups take the read lock.
type Index struct {
	mu       sync.RWMutex
	forward  map[string]map[string]*Conn // serverID -> connID -> conn
	wildcard map[string]*Conn            // connID -> conn subscribed to all
	reverse  map[string]*Subscription    // connID -> active subscription
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		forward:  make(map[string]map[string]*Conn),
		wildcard: make(map[string]*Conn),
		reverse:  make(map[string]*Subscription),
	}
}

// Apply replaces conn's subscription.
func (ix *Index) Apply(c *Conn, sub *Subscription) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(c)
	ix.reverse[c.id] = sub
	if sub.All {
		ix.wildcard[c.id] = c
		return
	}
	for id := range sub.Servers {
		set := ix.forward[id]
		if set == nil {
			set = make(map[string]*Conn)
			ix.forward[id] = set
		}
		set[c.id] = c
	}
}

// Drop removes the listed server ids from conn's subscription; an empty
// list clears the subscription entirely. Dropping ids from a wildcard
// subscription has no defined meaning and is ignored; clients replace the
// subscription instead.
func (ix *Index) Drop(c *Conn, serverIDs []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(serverIDs) == 0 {
		ix.removeLocked(c)
		return
	}
	sub := ix.reverse[c.id]
	if sub == nil || sub.All {
		return
	}
	for _, id := range serverIDs {
		delete(sub.Servers, id)
		if set := ix.forward[id]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(ix.forward, id)
			}
		}
	}
	if len(sub.Servers) == 0 {
		ix.removeLocked(c)
	}
}

// Remove clears every entry for conn.
func (ix *Index) Remove(c *Conn) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(c)
}

func (ix *Index) removeLocked(c *Conn) {
	sub := ix.reverse[c.id]
	if sub == nil {
		return
	}
	delete(ix.reverse, c.id)
	delete(ix.wildcard, c.id)
	for id := range sub.Servers {
		if set := ix.forward[id]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(ix.forward, id)
			}
		}
	}
}

// ForgetServer drops a deleted server's forward entries. Wildcard
// subscribers keep receiving other servers; explicit subscribers to the
// deleted id simply stop matching.
func (ix *Index) ForgetServer(serverID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set := ix.forward[serverID]
	delete(ix.forward, serverID)
	for connID := range set {
		if sub := ix.reverse[connID]; sub != nil {
			delete(sub.Servers, serverID)
		}
	}
}

// SampleTargets returns the connections whose subscription matches a sample.
func (ix *Index) SampleTargets(sample *models.MetricsSample) []*Conn {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.collect(sample.ServerID, func(sub *Subscription) bool {
		return sub.wantsSample(sample)
	})
}

// StatusTargets returns the connections whose subscription matches a status
// transition.
func (ix *Index) StatusTargets(ev *models.StatusEvent) []*Conn {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.collect(ev.ServerID, func(sub *Subscription) bool {
		return sub.wantsStatus(ev)
	})
}

// collect unions the server's set with the wildcard set under the held
// read lock.
func (ix *Index) collect(serverID string, match func(*Subscription) bool) []*Conn {
	var out []*Conn
	seen := make(map[string]struct{})
	for connID, c := range ix.forward[serverID] {
		if sub := ix.reverse[connID]; sub != nil && match(sub) {
			out = append(out, c)
			seen[connID] = struct{}{}
		}
	}
	for connID, c := range ix.wildcard {
		if _, dup := seen[connID]; dup {
			continue
		}
		if sub := ix.reverse[connID]; sub != nil && match(sub) {
			out = append(out, c)
		}
	}
	return out
}

// Subscription returns the active subscription for a connection id, or nil.
func (ix *Index) Subscription(connID string) *Subscription {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.reverse[connID]
}

// Size returns the number of subscribed connections.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.reverse)
}
