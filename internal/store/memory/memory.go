// Package memory provides an in-process store backend. It backs tests and
// single-family deployments; the transactional contract matches the Postgres
// backend: one transaction at a time, all-or-nothing, snapshot rollback.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/store"
)

// state is the full mutable dataset. Transactions mutate it directly and
// keep a snapshot for rollback.
type state struct {
	commands map[string]*medication.Command
	events   map[string]*medication.Event
	archive  map[string]*medication.Event
	dedup    map[string]string // dedup key -> event id
}

func newState() *state {
	return &state{
		commands: make(map[string]*medication.Command),
		events:   make(map[string]*medication.Event),
		archive:  make(map[string]*medication.Event),
		dedup:    make(map[string]string),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.commands {
		c.commands[k] = cloneCommand(v)
	}
	for k, v := range s.events {
		c.events[k] = cloneEvent(v)
	}
	for k, v := range s.archive {
		c.archive[k] = cloneEvent(v)
	}
	for k, v := range s.dedup {
		c.dedup[k] = v
	}
	return c
}

// Store is the in-memory backend.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: newState()}
}

var _ store.Store = (*Store)(nil)

// Begin opens a transaction. The store lock is held until Commit or
// Rollback, which serializes atomic units exactly like the row locks the
// Postgres backend takes.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &tx{store: s, snapshot: s.data.clone()}, nil
}

// Commands returns auto-commit command access.
func (s *Store) Commands() store.Commands { return &autoCommands{s} }

// Events returns auto-commit event access.
func (s *Store) Events() store.Events { return &autoEvents{s} }

type tx struct {
	store    *Store
	snapshot *state
	done     bool
}

func (t *tx) Commands() store.Commands { return &commands{t.store.data} }
func (t *tx) Events() store.Events     { return &events{t.store.data} }

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.snapshot = nil
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.data = t.snapshot
	t.store.mu.Unlock()
	return nil
}

// autoCommands wraps each call in its own transaction.
type autoCommands struct{ s *Store }

func (a *autoCommands) Create(ctx context.Context, c *medication.Command) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&commands{a.s.data}).Create(ctx, c)
}

func (a *autoCommands) Get(ctx context.Context, id string) (*medication.Command, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&commands{a.s.data}).Get(ctx, id)
}

func (a *autoCommands) List(ctx context.Context, f store.CommandFilter, srt store.Sort) ([]*medication.Command, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&commands{a.s.data}).List(ctx, f, srt)
}

func (a *autoCommands) Update(ctx context.Context, c *medication.Command) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&commands{a.s.data}).Update(ctx, c)
}

func (a *autoCommands) Delete(ctx context.Context, id string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&commands{a.s.data}).Delete(ctx, id)
}

type autoEvents struct{ s *Store }

func (a *autoEvents) Append(ctx context.Context, e *medication.Event) (*medication.Event, bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).Append(ctx, e)
}

func (a *autoEvents) Get(ctx context.Context, id string) (*medication.Event, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).Get(ctx, id)
}

func (a *autoEvents) Query(ctx context.Context, f store.EventFilter) ([]*medication.Event, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).Query(ctx, f)
}

func (a *autoEvents) CloseScheduled(ctx context.Context, id string, by medication.EventType) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).CloseScheduled(ctx, id, by)
}

func (a *autoEvents) ReopenScheduled(ctx context.Context, id string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).ReopenScheduled(ctx, id)
}

func (a *autoEvents) Snooze(ctx context.Context, id string, until time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).Snooze(ctx, id, until)
}

func (a *autoEvents) DeleteOpenAfter(ctx context.Context, commandID string, cutoff time.Time) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).DeleteOpenAfter(ctx, commandID, cutoff)
}

func (a *autoEvents) Archive(ctx context.Context, before time.Time) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).Archive(ctx, before)
}

func (a *autoEvents) Adherence(ctx context.Context, patientID string, from, to time.Time) (*medication.Adherence, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return (&events{a.s.data}).Adherence(ctx, patientID, from, to)
}

// commands implements store.Commands against a state. Callers hold the lock.
type commands struct{ data *state }

func (c *commands) Create(ctx context.Context, cmd *medication.Command) error {
	if _, ok := c.data.commands[cmd.ID]; ok {
		return &medication.ConflictError{Reason: "command already exists: " + cmd.ID}
	}
	c.data.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (c *commands) Get(ctx context.Context, id string) (*medication.Command, error) {
	cmd, ok := c.data.commands[id]
	if !ok {
		return nil, &medication.NotFoundError{Kind: "command", ID: id}
	}
	return cloneCommand(cmd), nil
}

func (c *commands) List(ctx context.Context, f store.CommandFilter, srt store.Sort) ([]*medication.Command, error) {
	var out []*medication.Command
	for _, cmd := range c.data.commands {
		if f.Matches(cmd) {
			out = append(out, cloneCommand(cmd))
		}
	}
	store.SortCommands(out, srt)
	return out, nil
}

func (c *commands) Update(ctx context.Context, cmd *medication.Command) error {
	if _, ok := c.data.commands[cmd.ID]; !ok {
		return &medication.NotFoundError{Kind: "command", ID: cmd.ID}
	}
	c.data.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

// Delete cascades: the command row and every event referencing it, archived
// ones included, go in the same unit.
func (c *commands) Delete(ctx context.Context, id string) error {
	if _, ok := c.data.commands[id]; !ok {
		return &medication.NotFoundError{Kind: "command", ID: id}
	}
	delete(c.data.commands, id)
	for eid, e := range c.data.events {
		if e.CommandID == id {
			delete(c.data.dedup, e.DedupKey)
			delete(c.data.events, eid)
		}
	}
	for eid, e := range c.data.archive {
		if e.CommandID == id {
			delete(c.data.dedup, e.DedupKey)
			delete(c.data.archive, eid)
		}
	}
	return nil
}

// events implements store.Events against a state. Callers hold the lock.
type events struct{ data *state }

func (s *events) Append(ctx context.Context, e *medication.Event) (*medication.Event, bool, error) {
	if prevID, ok := s.data.dedup[e.DedupKey]; ok {
		if prev, ok := s.lookup(prevID); ok {
			return cloneEvent(prev), false, nil
		}
	}
	s.data.events[e.ID] = cloneEvent(e)
	s.data.dedup[e.DedupKey] = e.ID
	return cloneEvent(e), true, nil
}

func (s *events) lookup(id string) (*medication.Event, bool) {
	if e, ok := s.data.events[id]; ok {
		return e, true
	}
	if e, ok := s.data.archive[id]; ok {
		return e, true
	}
	return nil, false
}

func (s *events) Get(ctx context.Context, id string) (*medication.Event, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, &medication.NotFoundError{Kind: "event", ID: id}
	}
	return cloneEvent(e), nil
}

func (s *events) Query(ctx context.Context, f store.EventFilter) ([]*medication.Event, error) {
	var out []*medication.Event
	for _, e := range s.data.events {
		if f.Matches(e) {
			out = append(out, cloneEvent(e))
		}
	}
	if f.IncludeArchived {
		for _, e := range s.data.archive {
			if f.Matches(e) {
				out = append(out, cloneEvent(e))
			}
		}
	}
	store.SortEvents(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *events) CloseScheduled(ctx context.Context, id string, by medication.EventType) (bool, error) {
	e, ok := s.data.events[id]
	if !ok {
		return false, &medication.NotFoundError{Kind: "event", ID: id}
	}
	if !e.Open() {
		return false, nil
	}
	e.ClosedBy = by
	return true, nil
}

func (s *events) ReopenScheduled(ctx context.Context, id string) error {
	e, ok := s.data.events[id]
	if !ok {
		return &medication.NotFoundError{Kind: "event", ID: id}
	}
	e.ClosedBy = ""
	return nil
}

func (s *events) Snooze(ctx context.Context, id string, until time.Time) error {
	e, ok := s.data.events[id]
	if !ok {
		return &medication.NotFoundError{Kind: "event", ID: id}
	}
	if !e.Open() {
		return &medication.ConflictError{Reason: "dose already resolved"}
	}
	e.SnoozedUntil = until.UTC()
	return nil
}

func (s *events) DeleteOpenAfter(ctx context.Context, commandID string, cutoff time.Time) (int, error) {
	n := 0
	for id, e := range s.data.events {
		if e.CommandID == commandID && e.Open() && e.ScheduledAt.After(cutoff) {
			delete(s.data.dedup, e.DedupKey)
			delete(s.data.events, id)
			n++
		}
	}
	return n, nil
}

// Archive moves resolved events older than the cutoff into the archive
// partition. Open scheduled doses are never archived out from under the
// detector.
func (s *events) Archive(ctx context.Context, before time.Time) (int, error) {
	n := 0
	for id, e := range s.data.events {
		if e.Open() || !eventTime(e).Before(before) {
			continue
		}
		e.Archived = true
		s.data.archive[id] = e
		delete(s.data.events, id)
		n++
	}
	return n, nil
}

func (s *events) Adherence(ctx context.Context, patientID string, from, to time.Time) (*medication.Adherence, error) {
	a := &medication.Adherence{}
	count := func(e *medication.Event) {
		if e.PatientID != patientID {
			return
		}
		at := eventTime(e)
		if (!from.IsZero() && at.Before(from)) || (!to.IsZero() && at.After(to)) {
			return
		}
		switch e.Type {
		case medication.EventDoseScheduled:
			a.Scheduled++
		case medication.EventDoseTaken:
			a.Taken++
		case medication.EventDoseMissed:
			a.Missed++
		case medication.EventDoseSkipped:
			a.Skipped++
		}
	}
	for _, e := range s.data.events {
		count(e)
	}
	for _, e := range s.data.archive {
		count(e)
	}
	a.AdherenceRate = a.Rate()
	return a, nil
}

func eventTime(e *medication.Event) time.Time {
	if !e.ScheduledAt.IsZero() {
		return e.ScheduledAt
	}
	return e.Timestamp
}

func cloneCommand(c *medication.Command) *medication.Command {
	b, _ := json.Marshal(c)
	out := &medication.Command{}
	_ = json.Unmarshal(b, out)
	return out
}

func cloneEvent(e *medication.Event) *medication.Event {
	b, _ := json.Marshal(e)
	out := &medication.Event{}
	_ = json.Unmarshal(b, out)
	return out
}
