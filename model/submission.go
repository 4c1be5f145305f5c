package model

import (
	"time"
)

type (
	// SubmissionID identifies one submission.
	SubmissionID = string
	// SiteID identifies a remote cluster/agent pool.
	SiteID = string
	// AgentID identifies one agent process at a site.
	AgentID = string
	// TenantID identifies the owning tenant of an application or submission.
	TenantID = string
	// Epoch is the claim generation counter of a submission. It increases by
	// one on every successful claim and never decreases, so it gives a total
	// order over claim epochs across reclaim cycles.
	Epoch = int64
)

// State is the lifecycle state of a submission.
type State string

const (
	StateCreated   State = "CREATED"
	StatePending   State = "PENDING"
	StateClaimed   State = "CLAIMED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateRejected  State = "REJECTED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal tells whether s admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateCancelled:
		return true
	}
	return false
}

// StateChange is one append-only state history entry.
type StateChange struct {
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// Claim binds a submission to one agent for a bounded lease. It lives inside
// the submission record so the conditional update that grants it is the same
// conditional update that bumps the generation.
type Claim struct {
	AgentID     AgentID   `json:"agent-id"`
	Epoch       Epoch     `json:"epoch"`
	LeaseExpiry time.Time `json:"lease-expiry"`
}

// Expired reports whether the lease has passed at the given instant.
func (c *Claim) Expired(now time.Time) bool {
	return !now.Before(c.LeaseExpiry)
}

// ResultSummary is recorded on terminal reports.
type ResultSummary struct {
	ExitCode    int    `json:"exit-code"`
	ArtifactURI string `json:"artifact-uri,omitempty"`
}

// Submission is one concrete, parameterized, rendered job instance. The
// rendered script is computed once at creation from an immutable
// (application-version, parameters) pair and never recomputed.
type Submission struct {
	ID         SubmissionID  `json:"id"`
	Tenant     TenantID      `json:"tenant"`
	AppID      ApplicationID `json:"app-id"`
	AppVersion int64         `json:"app-version"`
	Site       SiteID        `json:"site"`

	Params   map[string]interface{} `json:"params"`
	Script   string                 `json:"script"`
	Manifest map[string]string      `json:"manifest,omitempty"`

	// Epoch is bumped by every successful claim. Zero means never claimed.
	Epoch Epoch  `json:"epoch"`
	Claim *Claim `json:"claim,omitempty"`

	// CancelRequested marks an advisory cancel while a claim is active.
	CancelRequested bool `json:"cancel-requested,omitempty"`

	RemoteID string         `json:"remote-id,omitempty"`
	Result   *ResultSummary `json:"result,omitempty"`

	CreatedAt time.Time     `json:"created-at"`
	History   []StateChange `json:"history"`
}

// State derives the current state as the last history entry.
func (s *Submission) State() State {
	if len(s.History) == 0 {
		return StateCreated
	}
	return s.History[len(s.History)-1].State
}

// AppendState appends a history entry. History is never rewritten.
func (s *Submission) AppendState(state State, now time.Time, detail string) {
	s.History = append(s.History, StateChange{State: state, Time: now, Detail: detail})
}

// ReclaimCount counts how many times the submission went back to PENDING
// after having been claimed. The retry budget is derived from history rather
// than kept in a separate field.
func (s *Submission) ReclaimCount() int {
	count := 0
	claimed := false
	for _, change := range s.History {
		switch change.State {
		case StateClaimed, StateRunning:
			claimed = true
		case StatePending:
			if claimed {
				count++
			}
			claimed = false
		}
	}
	return count
}

// Event is published to registry subscribers on every state transition.
type Event struct {
	SubmissionID SubmissionID `json:"submission-id"`
	Site         SiteID       `json:"site"`
	From         State        `json:"from"`
	To           State        `json:"to"`
	Epoch        Epoch        `json:"epoch"`
	Time         time.Time    `json:"time"`
}
