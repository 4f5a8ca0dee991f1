package lead

import (
	"errors"
	"time"
)

// Status is the canonical lifecycle position of a lead. Transitions are
// monotonic forward except for the explicit reopen event.
type Status string

const (
	StatusNew              Status = "new"
	StatusQualifying       Status = "qualifying"
	StatusQualified        Status = "qualified"
	StatusDisqualified     Status = "disqualified"
	StatusContacted        Status = "contacted"
	StatusMeetingScheduled Status = "meeting_scheduled"
	StatusClosed           Status = "closed"
)

// Event is a lifecycle trigger accepted by the state machine.
type Event string

const (
	EventStartQualifying Event = "start_qualifying"
	EventQualify         Event = "qualify"
	EventDisqualify      Event = "disqualify"
	EventContact         Event = "contact"
	EventScheduleMeeting Event = "schedule_meeting"
	EventClose           Event = "close"
	EventReopen          Event = "reopen"
)

var (
	ErrLeadNotFound  = errors.New("lead not found")
	ErrUnknownEvent  = errors.New("unknown lead event")
	ErrUnknownStatus = errors.New("unknown lead status")
)

// Lead is the authoritative record of a prospect. It is mutated only by the
// state machine; soft-archived, never deleted.
type Lead struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	Source           string    `json:"source"`
	WorkflowID       string    `json:"workflow_id"`
	Role             string    `json:"role"` // agent role currently holding the lead
	Archived         bool      `json:"archived"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// pipelineRank orders the forward pipeline statuses. Disqualified and closed
// sit outside the rank; the derived flags below treat them as false.
var pipelineRank = map[Status]int{
	StatusNew:              0,
	StatusQualifying:       1,
	StatusQualified:        2,
	StatusContacted:        3,
	StatusMeetingScheduled: 4,
}

// Qualified reports whether the lead has passed qualification. The flag is
// derived from status so contacted implies qualified by construction.
func (l Lead) Qualified() bool {
	r, ok := pipelineRank[l.Status]
	return ok && r >= pipelineRank[StatusQualified]
}

// Contacted reports whether outreach has happened.
func (l Lead) Contacted() bool {
	r, ok := pipelineRank[l.Status]
	return ok && r >= pipelineRank[StatusContacted]
}

// MeetingScheduled reports whether a meeting slot has been booked.
func (l Lead) MeetingScheduled() bool {
	return l.Status == StatusMeetingScheduled
}

func (l Lead) Terminal() bool {
	return l.Status == StatusClosed
}

// transition describes one legal edge of the lifecycle machine.
type transition struct {
	from map[Status]bool // nil means "any status"
	to   Status
	// reopen is the only event excluded from the closed state.
	notFromClosed bool
}

var transitions = map[Event]transition{
	EventStartQualifying: {from: statuses(StatusNew), to: StatusQualifying},
	EventQualify:         {from: statuses(StatusQualifying), to: StatusQualified},
	EventDisqualify:      {from: statuses(StatusQualifying), to: StatusDisqualified},
	EventContact:         {from: statuses(StatusQualified), to: StatusContacted},
	EventScheduleMeeting: {from: statuses(StatusContacted), to: StatusMeetingScheduled},
	EventClose:           {from: nil, to: StatusClosed},
	EventReopen:          {from: nil, to: StatusQualifying, notFromClosed: true},
}

func statuses(ss ...Status) map[Status]bool {
	m := make(map[Status]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// Target returns the status the event leads to, independent of legality.
func Target(event Event) (Status, bool) {
	t, ok := transitions[event]
	if !ok {
		return "", false
	}
	return t.to, true
}

// Legal reports whether event may fire from cur.
func Legal(cur Status, event Event) bool {
	t, ok := transitions[event]
	if !ok {
		return false
	}
	if t.notFromClosed && cur == StatusClosed {
		return false
	}
	if t.from == nil {
		return true
	}
	return t.from[cur]
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	if _, ok := pipelineRank[s]; ok {
		return true
	}
	return s == StatusDisqualified || s == StatusClosed
}

// ValidEvent reports whether e is a known lifecycle event.
func ValidEvent(e Event) bool {
	_, ok := transitions[e]
	return ok
}
