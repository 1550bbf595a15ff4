package models

import "time"

type SessionStatus string

const (
	SessionUploading  SessionStatus = "uploading"
	SessionReady      SessionStatus = "ready"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionUploading:  {SessionReady, SessionFailed},
	SessionReady:      {SessionProcessing, SessionFailed},
	SessionProcessing: {SessionCompleted, SessionFailed},
}

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransition reports whether from → to is an edge of the session state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one batch submission.
type Session struct {
	ID           string
	OwnerID      string
	Name         string
	Brief        string
	Title        *string
	Status       SessionStatus
	TotalFiles   int
	ErrorMessage *string
	// IntentID is set for sessions committed from an upload intent.
	IntentID    *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SessionMeta carries the descriptive fields a client supplies for a batch.
type SessionMeta struct {
	Name  string  `json:"name"`
	Brief string  `json:"brief"`
	Title *string `json:"title,omitempty"`
}
