package lead

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	leads map[string]*Lead
	// casDenials forces the next n CAS calls to miss, simulating a race.
	casDenials int
	// onDeny mutates the stored lead when a CAS is denied.
	onDeny func(l *Lead)
}

func newFakeStore(leads ...*Lead) *fakeStore {
	s := &fakeStore{leads: make(map[string]*Lead)}
	for _, l := range leads {
		cp := *l
		s.leads[l.ID] = &cp
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id string) (*Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *fakeStore) Create(ctx context.Context, l *Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.leads[l.ID] = &cp
	return nil
}

func (s *fakeStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return false, ErrLeadNotFound
	}
	if s.casDenials > 0 {
		s.casDenials--
		if s.onDeny != nil {
			s.onDeny(l)
		}
		return false, nil
	}
	if l.Status != from {
		return false, nil
	}
	l.Status = to
	l.LastTransitionAt = at
	return true, nil
}

func (s *fakeStore) SetRole(ctx context.Context, id, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[id]; ok {
		l.Role = role
	}
	return nil
}

func (s *fakeStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[id]; ok {
		l.Archived = true
	}
	return nil
}

type auditEntry struct {
	from, to Status
	event    Event
}

type recordingAuditor struct {
	entries []auditEntry
}

func (a *recordingAuditor) AppendTransition(ctx context.Context, leadID string, from, to Status, event Event) error {
	a.entries = append(a.entries, auditEntry{from: from, to: to, event: event})
	return nil
}

func newTestMachine(t *testing.T, store Store, audit Auditor) *Machine {
	t.Helper()
	m, err := NewMachine(store, audit)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return m
}

func TestTransitionHappyPath(t *testing.T) {
	t.Parallel()

	store := newFakeStore(&Lead{ID: "l1", Status: StatusNew})
	audit := &recordingAuditor{}
	m := newTestMachine(t, store, audit)
	ctx := context.Background()

	path := []struct {
		event Event
		want  Status
	}{
		{EventStartQualifying, StatusQualifying},
		{EventQualify, StatusQualified},
		{EventContact, StatusContacted},
		{EventScheduleMeeting, StatusMeetingScheduled},
		{EventClose, StatusClosed},
	}
	for _, step := range path {
		got, err := m.Transition(ctx, "l1", step.event)
		if err != nil {
			t.Fatalf("Transition(%s) error = %v", step.event, err)
		}
		if got != step.want {
			t.Fatalf("Transition(%s) = %s, want %s", step.event, got, step.want)
		}
	}
	if len(audit.entries) != len(path) {
		t.Fatalf("audit entries = %d, want %d", len(audit.entries), len(path))
	}
}

func TestTransitionRejectsIllegalEvent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(&Lead{ID: "l1", Status: StatusNew})
	m := newTestMachine(t, store, nil)

	_, err := m.Transition(context.Background(), "l1", EventContact)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition(contact from new) error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(&Lead{ID: "l1", Status: StatusQualifying})
	audit := &recordingAuditor{}
	m := newTestMachine(t, store, audit)
	ctx := context.Background()

	if _, err := m.Transition(ctx, "l1", EventQualify); err != nil {
		t.Fatalf("first Transition() error = %v", err)
	}
	got, err := m.Transition(ctx, "l1", EventQualify)
	if err != nil {
		t.Fatalf("duplicate Transition() error = %v", err)
	}
	if got != StatusQualified {
		t.Fatalf("duplicate Transition() = %s, want %s", got, StatusQualified)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1 (no-op must not audit)", len(audit.entries))
	}
}

func TestTransitionStaleRace(t *testing.T) {
	t.Parallel()

	store := newFakeStore(&Lead{ID: "l1", Status: StatusQualifying})
	store.casDenials = 1
	store.onDeny = func(l *Lead) { l.Status = StatusDisqualified }
	m := newTestMachine(t, store, nil)

	_, err := m.Transition(context.Background(), "l1", EventQualify)
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("Transition() error = %v, want ErrStaleTransition", err)
	}
}

func TestTransitionRaceToSameTargetIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeStore(&Lead{ID: "l1", Status: StatusQualifying})
	store.casDenials = 1
	store.onDeny = func(l *Lead) { l.Status = StatusQualified }
	m := newTestMachine(t, store, nil)

	got, err := m.Transition(context.Background(), "l1", EventQualify)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got != StatusQualified {
		t.Fatalf("Transition() = %s, want %s", got, StatusQualified)
	}
}

func TestReopenFromNonClosedStates(t *testing.T) {
	t.Parallel()

	for _, start := range []Status{StatusQualified, StatusDisqualified, StatusContacted, StatusMeetingScheduled} {
		store := newFakeStore(&Lead{ID: "l1", Status: start})
		m := newTestMachine(t, store, nil)
		got, err := m.Transition(context.Background(), "l1", EventReopen)
		if err != nil {
			t.Fatalf("Transition(reopen from %s) error = %v", start, err)
		}
		if got != StatusQualifying {
			t.Fatalf("Transition(reopen from %s) = %s, want %s", start, got, StatusQualifying)
		}
	}

	store := newFakeStore(&Lead{ID: "l1", Status: StatusClosed})
	m := newTestMachine(t, store, nil)
	if _, err := m.Transition(context.Background(), "l1", EventReopen); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition(reopen from closed) error = %v, want ErrInvalidTransition", err)
	}
}

// TestDerivedFlagsInvariant fires long random event sequences and checks the
// pipeline implications after every accepted transition:
// meeting_scheduled => contacted => qualified.
func TestDerivedFlagsInvariant(t *testing.T) {
	t.Parallel()

	events := []Event{
		EventStartQualifying, EventQualify, EventDisqualify,
		EventContact, EventScheduleMeeting, EventClose, EventReopen,
	}
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 50; run++ {
		store := newFakeStore(&Lead{ID: "l1", Status: StatusNew})
		m := newTestMachine(t, store, nil)

		for step := 0; step < 100; step++ {
			ev := events[rng.Intn(len(events))]
			_, err := m.Transition(ctx, "l1", ev)
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("run %d step %d: unexpected error %v", run, step, err)
			}

			l, err := store.Get(ctx, "l1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if l.MeetingScheduled() && !l.Contacted() {
				t.Fatalf("run %d: meeting_scheduled without contacted at status=%s", run, l.Status)
			}
			if l.Contacted() && !l.Qualified() {
				t.Fatalf("run %d: contacted without qualified at status=%s", run, l.Status)
			}
		}
	}
}

func TestCurrentStatus(t *testing.T) {
	t.Parallel()

	store := newFakeStore(&Lead{ID: "l1", Status: StatusContacted})
	m := newTestMachine(t, store, nil)

	got, err := m.CurrentStatus(context.Background(), "l1")
	if err != nil {
		t.Fatalf("CurrentStatus() error = %v", err)
	}
	if got != StatusContacted {
		t.Fatalf("CurrentStatus() = %s, want %s", got, StatusContacted)
	}

	if _, err := m.CurrentStatus(context.Background(), "missing"); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("CurrentStatus(missing) error = %v, want ErrLeadNotFound", err)
	}
}
