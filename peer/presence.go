package peer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
)

// idPayload is the body of query and primary announcements.
type idPayload struct {
	ID string `json:"id"`
}

type ackPayload struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
	Query   string `json:"query"`
}

type openPayload struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
}

type closePayload struct {
	ID         string `json:"id"`
	WasPrimary bool   `json:"wasPrimary"`
}

// rosterQuery collects acknowledgments, and the opens and closes observed
// while its window is running, until the window elapses. Guarded by the
// owning peer's mutex.
type rosterQuery struct {
	id      string
	entries []RosterEntry
	seen    map[string]struct{}
	done    chan struct{}
}

func (q *rosterQuery) add(e RosterEntry) {
	if _, dup := q.seen[e.ID]; dup {
		for i := range q.entries {
			if q.entries[i].ID == e.ID && e.Primary {
				q.entries[i].Primary = true
			}
		}
		return
	}
	q.seen[e.ID] = struct{}{}
	q.entries = append(q.entries, e)
}

// drop removes id and keeps it out of the rest of the window.
func (q *rosterQuery) drop(id string) {
	q.seen[id] = struct{}{}
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// List queries every live peer and returns those that answered within the
// collection window. The local peer is not included.
func (p *Peer) List(ctx context.Context) ([]RosterEntry, error) {
	switch p.State() {
	case StateUninitialized:
		return nil, ErrNotStarted
	case StateClosed:
		return nil, ErrClosed
	}
	return p.query(ctx, nil)
}

// query broadcasts a roster query and collects answers for one window.
// settle, when set, runs under the peer mutex in the same critical section
// that retires the query, so no open or close slips between the two.
func (p *Peer) query(ctx context.Context, settle func([]RosterEntry)) ([]RosterEntry, error) {
	q := &rosterQuery{
		id:   uuid.NewString(),
		seen: make(map[string]struct{}),
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.queries[q.id] = q
	p.mu.Unlock()

	window := time.AfterFunc(p.Timeout(), func() { close(q.done) })
	defer func() {
		window.Stop()
		p.mu.Lock()
		delete(p.queries, q.id)
		p.mu.Unlock()
	}()

	if err := p.send(ctx, EventQuery, map[string]any{"id": q.id}); err != nil {
		return nil, err
	}

	select {
	case <-q.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queries, q.id)
	roster := append([]RosterEntry(nil), q.entries...)
	if settle != nil {
		settle(roster)
	}
	return roster, nil
}

// discover settles the initial role: primary when nobody answered and no
// primary has been heard of, secondary otherwise. Peers that opened during
// the window count once, through the query.
func (p *Peer) discover(ctx context.Context) error {
	var (
		status Status
		vacant bool
		closed bool
	)
	_, err := p.query(ctx, func(roster []RosterEntry) {
		if p.state == StateClosed {
			closed = true
			return
		}
		p.known = make(map[string]struct{}, len(roster))
		for _, e := range roster {
			p.known[e.ID] = struct{}{}
			if e.Primary {
				p.hasKnownPrimary = true
			}
		}
		if len(roster) == 0 && !p.hasKnownPrimary {
			p.state = StatePrimary
			p.hasKnownPrimary = true
		} else {
			p.state = StateSecondary
		}
		status = p.statusLocked()
		vacant = !status.Primary && (!p.hasKnownPrimary || len(roster) == 0)
	})
	if err != nil {
		return err
	}
	if closed {
		return ErrClosed
	}

	p.send(ctx, EventOpen, map[string]any{"id": p.id, "primary": status.Primary})
	p.announceRole(ctx, status)
	if vacant {
		p.scheduleVacancyCheck()
	}
	return nil
}

func (p *Peer) announceRole(ctx context.Context, status Status) {
	if status.Primary {
		p.emit(ctx, EventRolePrimary, observability.LevelInfo, map[string]any{"count": status.Count})
		notify(p, Primary, status)
		return
	}
	p.emit(ctx, EventRoleSecond, observability.LevelInfo, map[string]any{"count": status.Count})
	notify(p, Secondary, status)
}

func (p *Peer) onQuery(data any) {
	q, err := codec.As[idPayload](data)
	if err != nil || q.ID == "" {
		p.decodeFailed(EventQuery, err)
		return
	}

	p.mu.Lock()
	state, proxy := p.state, p.proxyMode
	p.mu.Unlock()
	if proxy || state == StateUninitialized || state == StateClosed {
		return
	}

	p.send(p.ctx, EventAck, map[string]any{
		"id":      p.id,
		"primary": state == StatePrimary,
		"query":   q.ID,
	})
}

func (p *Peer) onAck(data any) {
	a, err := codec.As[ackPayload](data)
	if err != nil || a.ID == "" {
		p.decodeFailed(EventAck, err)
		return
	}
	if a.ID == p.id {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queries[a.Query]; ok {
		q.add(RosterEntry{ID: a.ID, Primary: a.Primary})
	}
	if a.Primary {
		p.hasKnownPrimary = true
	}
}

func (p *Peer) onOpen(data any) {
	o, err := codec.As[openPayload](data)
	if err != nil || o.ID == "" {
		p.decodeFailed(EventOpen, err)
		return
	}
	if o.ID == p.id {
		return
	}

	p.mu.Lock()
	if p.proxyMode || p.state == StateUninitialized || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	for _, q := range p.queries {
		q.add(RosterEntry{ID: o.ID, Primary: o.Primary})
	}
	if o.Primary {
		p.hasKnownPrimary = true
	}
	if p.state == StateDiscovering {
		p.mu.Unlock()
		return
	}
	p.known[o.ID] = struct{}{}
	primary := p.state == StatePrimary
	count := p.countLocked()
	p.mu.Unlock()

	if primary {
		p.send(p.ctx, EventPrimary, map[string]any{"id": p.id})
	}
	p.emit(p.ctx, EventPeerOpened, observability.LevelVerbose, map[string]any{
		"id":    o.ID,
		"count": count,
	})
	notify(p, Open, OpenEvent{ID: o.ID, Count: count, Primary: o.Primary})
	p.notifyUpdate()
}

func (p *Peer) onClose(data any) {
	c, err := codec.As[closePayload](data)
	if err != nil || c.ID == "" {
		p.decodeFailed(EventClose, err)
		return
	}
	if c.ID == p.id {
		return
	}

	p.mu.Lock()
	if p.proxyMode || p.state == StateUninitialized || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	for _, q := range p.queries {
		q.drop(c.ID)
	}
	if c.WasPrimary {
		p.hasKnownPrimary = false
	}
	if p.state == StateDiscovering {
		p.mu.Unlock()
		return
	}
	delete(p.known, c.ID)
	secondary := p.state == StateSecondary
	count := p.countLocked()
	promote := secondary && count == 1
	vacant := secondary && !promote && !p.hasKnownPrimary
	p.mu.Unlock()

	p.emit(p.ctx, EventPeerClosed, observability.LevelVerbose, map[string]any{
		"id":          c.ID,
		"count":       count,
		"was_primary": c.WasPrimary,
	})
	if promote {
		p.promote("last peer standing")
	} else if vacant {
		p.scheduleVacancyCheck()
	}
	notify(p, Close, CloseEvent{ID: c.ID, Count: count, Primary: c.WasPrimary})
	p.notifyUpdate()
}

func (p *Peer) onPrimary(data any) {
	pr, err := codec.As[idPayload](data)
	if err != nil || pr.ID == "" {
		p.decodeFailed(EventPrimary, err)
		return
	}
	if pr.ID == p.id {
		return
	}
	p.mu.Lock()
	p.hasKnownPrimary = true
	p.mu.Unlock()
}

// promote turns a secondary into the primary and announces it. Primaries
// are never demoted while open.
func (p *Peer) promote(reason string) bool {
	p.mu.Lock()
	if p.state != StateSecondary || p.proxyMode {
		p.mu.Unlock()
		return false
	}
	p.state = StatePrimary
	p.hasKnownPrimary = true
	status := p.statusLocked()
	p.mu.Unlock()

	p.send(p.ctx, EventPrimary, map[string]any{"id": p.id})
	p.emit(p.ctx, EventRolePrimary, observability.LevelInfo, map[string]any{
		"count":  status.Count,
		"reason": reason,
	})
	notify(p, Primary, status)
	return true
}

// SetVisible reports a visibility change. A secondary that becomes visible
// while no primary is known promotes itself.
func (p *Peer) SetVisible(visible bool) {
	if !visible {
		return
	}
	p.mu.Lock()
	vacant := p.state == StateSecondary && !p.hasKnownPrimary
	p.mu.Unlock()
	if vacant {
		p.promote("visible without primary")
	}
}

// scheduleVacancyCheck reconciles once after a collection window. At most
// one check is pending at a time.
func (p *Peer) scheduleVacancyCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed || p.vacancy != nil {
		return
	}
	p.wg.Add(1)
	p.vacancy = time.AfterFunc(p.Timeout(), func() {
		defer p.wg.Done()
		p.mu.Lock()
		p.vacancy = nil
		p.mu.Unlock()
		p.reconcile()
	})
}

func (p *Peer) reconcileLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reconcile()
		}
	}
}

// reconcile re-queries the roster, corrects the live count and, when no
// primary answered, promotes the peer with the lowest id. Ids are UUIDv7,
// so that is the longest-running peer.
func (p *Peer) reconcile() {
	var (
		before, after int
		primaryKnown  bool
		secondary     bool
		settled       bool
	)
	lowest := p.id
	_, err := p.query(p.ctx, func(roster []RosterEntry) {
		if p.state != StatePrimary && p.state != StateSecondary {
			return
		}
		settled = true
		before = p.countLocked()
		p.known = make(map[string]struct{}, len(roster))
		for _, e := range roster {
			p.known[e.ID] = struct{}{}
			if e.Primary {
				primaryKnown = true
			}
			if e.ID < lowest {
				lowest = e.ID
			}
		}
		after = p.countLocked()
		secondary = p.state == StateSecondary
		if secondary {
			p.hasKnownPrimary = primaryKnown
		}
	})
	if err != nil || !settled {
		return
	}

	p.emit(p.ctx, EventReconcile, observability.LevelVerbose, map[string]any{
		"count_before":  before,
		"count":         after,
		"primary_known": primaryKnown,
	})
	if secondary && !primaryKnown && lowest == p.id {
		p.promote("vacancy")
	}
}

// notifyUpdate queries the roster for Update trackers. Nothing is sent when
// nobody tracks updates.
func (p *Peer) notifyUpdate() {
	if p.lifecycle.Len(Update.name) == 0 {
		return
	}
	p.spawn(func() {
		roster, err := p.query(p.ctx, nil)
		if err != nil {
			return
		}
		notify(p, Update, roster)
	})
}
