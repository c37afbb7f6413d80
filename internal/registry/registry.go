// Package registry tracks in-flight requests, owns their cancellation flags
// and enforces per-client admission limits.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/answer-stream/internal/model"
	"github.com/capitalize-ai/answer-stream/pkg/logger"
	"github.com/capitalize-ai/answer-stream/pkg/metrics"
)

// Cancellation reasons recorded by the service.
const (
	ReasonSuperseded = "superseded"
	ReasonClient     = "client_cancel"
	ReasonDisconnect = "client_disconnect"
)

// ErrNotOwner is returned when a client targets another client's request.
var ErrNotOwner = errors.New("request belongs to another client")

const (
	defaultTTL        = 10 * time.Minute
	defaultMaxEntries = 10000
	sweepInterval     = time.Second
)

// Config bounds ticket retention.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Ticket describes one request for its lifetime plus the retention window.
type Ticket struct {
	RequestID    string     `json:"request_id"`
	ClientID     string     `json:"client_id"`
	Kind         string     `json:"kind"`
	CreatedAt    time.Time  `json:"created_at"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	Active       bool       `json:"active"`
}

type slotKey struct {
	clientID string
	kind     string
}

type entry struct {
	ticket Ticket
	flag   *Flag
}

// expiresFrom is the later of creation and cancellation.
func (e *entry) expiresFrom() time.Time {
	if e.ticket.CancelledAt != nil && e.ticket.CancelledAt.After(e.ticket.CreatedAt) {
		return *e.ticket.CancelledAt
	}
	return e.ticket.CreatedAt
}

// foreignPlaceholder reports whether e is a pre-registration ticket left by a
// client other than clientID. Anonymous placeholders apply to everyone.
func (e *entry) foreignPlaceholder(clientID string) bool {
	return e.ticket.Kind == "" && e.ticket.ClientID != model.UnknownClient && e.ticket.ClientID != clientID
}

// Registry is the process-wide table of in-flight requests. One mutex guards
// tickets, slots and rate windows together so cancel-then-register is atomic.
type Registry struct {
	mu      sync.Mutex
	tickets map[string]*entry
	active  map[slotKey]string
	windows map[slotKey][]time.Time

	ttl        time.Duration
	maxWindow  time.Duration
	maxEntries int
	lastSweep  time.Time
	now        func() time.Time
	logger     *logger.Logger
}

// New creates a registry.
func New(cfg Config, log *logger.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	return &Registry{
		tickets:    make(map[string]*entry),
		active:     make(map[slotKey]string),
		windows:    make(map[slotKey][]time.Time),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
		logger:     log,
	}
}

// RateAllow applies a sliding-window limit per client and kind. An allowed
// call is recorded; a denied call leaves no trace. A limit of zero or less
// disables the check.
func (r *Registry) RateAllow(clientID, kind string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	key := slotKey{clientID: clientID, kind: kind}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if window > r.maxWindow {
		r.maxWindow = window
	}
	stamps := r.windows[key]
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(stamps) && !stamps[keep].After(cutoff) {
		keep++
	}
	stamps = stamps[keep:]

	if len(stamps)+1 > limit {
		r.windows[key] = stamps
		metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
		return false
	}
	r.windows[key] = append(stamps, now)
	return true
}

// Register returns the cancellation flag for requestID, creating the ticket
// if needed. When cancelPrevious is set, a different request occupying the
// client/kind slot is cancelled before the slot is overwritten. Registering
// an existing requestID returns its flag and changes nothing else.
func (r *Registry) Register(clientID, requestID, kind string, cancelPrevious bool) *Flag {
	key := slotKey{clientID: clientID, kind: kind}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)

	if e, ok := r.tickets[requestID]; ok {
		if !e.foreignPlaceholder(clientID) {
			return e.flag
		}
		// A pre-registration cancel recorded by another client does not apply.
		delete(r.tickets, requestID)
	}

	if prev, ok := r.active[key]; ok && prev != requestID && cancelPrevious {
		if r.cancelLocked(prev, ReasonSuperseded, now) {
			r.logger.Info("request superseded",
				zap.String("request_id", prev),
				zap.String("superseded_by", requestID),
				zap.String("client_id", clientID),
				zap.String("kind", kind),
			)
		}
	}

	e := &entry{
		ticket: Ticket{
			RequestID: requestID,
			ClientID:  clientID,
			Kind:      kind,
			CreatedAt: now,
		},
		flag: newFlag(),
	}
	r.tickets[requestID] = e
	r.active[key] = requestID
	r.evictOverflowLocked(requestID)
	return e.flag
}

// Cancel sets the flag for requestID and reports whether this call set it.
// Unknown ids get a cancelled ticket so a later Register observes it.
func (r *Registry) Cancel(requestID, reason string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)
	return r.cancelLocked(requestID, reason, now)
}

// CancelOwned is Cancel restricted to requests of clientID. An unknown id
// gets a cancelled ticket owned by clientID, which only a Register from the
// same client observes.
func (r *Registry) CancelOwned(clientID, requestID, reason string) (bool, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(now)
	if e, ok := r.tickets[requestID]; ok && e.ticket.ClientID != clientID {
		return false, ErrNotOwner
	}
	if _, ok := r.tickets[requestID]; !ok {
		r.addPlaceholderLocked(requestID, clientID, now)
	}
	return r.cancelLocked(requestID, reason, now), nil
}

// CancelActive cancels whatever occupies the client/kind slot and returns
// its request id, or "" when the slot is empty.
func (r *Registry) CancelActive(clientID, kind, reason string) string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	requestID, ok := r.active[slotKey{clientID: clientID, kind: kind}]
	if !ok {
		return ""
	}
	r.cancelLocked(requestID, reason, now)
	return requestID
}

// ClearActive frees the slot only if it still belongs to requestID.
func (r *Registry) ClearActive(clientID, kind, requestID string) {
	key := slotKey{clientID: clientID, kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[key] == requestID {
		delete(r.active, key)
	}
}

// IsCancelled reports whether requestID has been cancelled. Unknown ids are not.
func (r *Registry) IsCancelled(requestID string) bool {
	r.mu.Lock()
	e, ok := r.tickets[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return e.flag.Cancelled()
}

// Info returns a copy of the ticket for requestID.
func (r *Registry) Info(requestID string) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tickets[requestID]
	if !ok {
		return Ticket{}, false
	}
	t := e.ticket
	if t.CancelledAt != nil {
		at := *t.CancelledAt
		t.CancelledAt = &at
	}
	t.Active = r.active[slotKey{clientID: t.ClientID, kind: t.Kind}] == requestID
	return t, true
}

// Len returns the number of retained tickets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tickets)
}

func (r *Registry) cancelLocked(requestID, reason string, now time.Time) bool {
	e, ok := r.tickets[requestID]
	if !ok {
		e = r.addPlaceholderLocked(requestID, model.UnknownClient, now)
	}
	if !e.flag.set() {
		return false
	}
	at := now
	e.ticket.CancelledAt = &at
	e.ticket.CancelReason = reason
	metrics.CancellationsTotal.WithLabelValues(reason).Inc()
	return true
}

// addPlaceholderLocked records a ticket for a request that has not been
// registered yet. Placeholders have no kind.
func (r *Registry) addPlaceholderLocked(requestID, clientID string, now time.Time) *entry {
	e := &entry{
		ticket: Ticket{RequestID: requestID, ClientID: clientID, CreatedAt: now},
		flag:   newFlag(),
	}
	r.tickets[requestID] = e
	r.evictOverflowLocked(requestID)
	return e
}

// sweepLocked drops tickets past their TTL and rate windows past the longer
// of the TTL and the widest window seen. Tickets still holding a slot are
// kept so a long-running request stays cancellable.
func (r *Registry) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < sweepInterval {
		return
	}
	r.lastSweep = now
	for id, e := range r.tickets {
		if now.Sub(e.expiresFrom()) < r.ttl {
			continue
		}
		if r.active[slotKey{clientID: e.ticket.ClientID, kind: e.ticket.Kind}] == id {
			continue
		}
		delete(r.tickets, id)
	}
	// Rate windows outlive the ticket TTL when a kind's window is longer.
	horizon := max(r.ttl, r.maxWindow)
	for key, stamps := range r.windows {
		if len(stamps) == 0 || now.Sub(stamps[len(stamps)-1]) >= horizon {
			delete(r.windows, key)
		}
	}
}

// evictOverflowLocked drops the oldest idle tickets beyond capacity. The
// ticket just written and tickets holding a slot are never evicted.
func (r *Registry) evictOverflowLocked(keep string) {
	over := len(r.tickets) - r.maxEntries
	if over <= 0 {
		return
	}
	ids := make([]string, 0, len(r.tickets))
	for id, e := range r.tickets {
		if id == keep || r.active[slotKey{clientID: e.ticket.ClientID, kind: e.ticket.Kind}] == id {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.tickets[ids[i]].ticket.CreatedAt.Before(r.tickets[ids[j]].ticket.CreatedAt)
	})
	if over > len(ids) {
		over = len(ids)
	}
	for _, id := range ids[:over] {
		delete(r.tickets, id)
	}
}
