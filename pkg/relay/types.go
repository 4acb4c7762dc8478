package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionKey identifies a conversational or domain session (chat id, domain
// session id, conversation guid).
type SessionKey string

// SessionState is the lifecycle state of a SessionRecord.
type SessionState string

const (
	// StateCreated is the state of a session that has not yet seen a reply.
	StateCreated SessionState = "created"
	// StateActive indicates at least one correlated reply was received.
	StateActive SessionState = "active"
	// StateCompleted indicates the collaborator reported the session finished.
	StateCompleted SessionState = "completed"
	// StateFailed indicates the session hit a fatal transport failure.
	StateFailed SessionState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SessionRecord is the single owning session object for a SessionKey.
type SessionRecord struct {
	Key       SessionKey `json:"key"`
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Owner     any        `json:"-"`

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	inFlight     string
	detached     bool // evicted or expired; accepts no new requests
}

// NewSessionRecord creates a record in the created state. The generated ID
// distinguishes this record from any later record reusing the same key.
func NewSessionRecord(key SessionKey, owner any, now time.Time) *SessionRecord {
	return &SessionRecord{
		Key:          key,
		ID:           uuid.NewString(),
		CreatedAt:    now,
		Owner:        owner,
		state:        StateCreated,
		lastActivity: now,
	}
}

// State returns the current lifecycle state.
func (s *SessionRecord) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last request or reply.
func (s *SessionRecord) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// InFlight returns the id of the unresolved request, if any.
func (s *SessionRecord) InFlight() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight, s.inFlight != ""
}

// transition moves the record to next unless it is already terminal.
func (s *SessionRecord) transition(next SessionState, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.state.Terminal() {
		return false
	}
	s.state = next
	return true
}

// begin marks requestID in flight. It fails with the busy request id, or with
// an empty id when the record has been detached from the registry.
func (s *SessionRecord) begin(requestID string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return "", false
	}
	if s.inFlight != "" {
		return s.inFlight, false
	}
	s.inFlight = requestID
	s.lastActivity = now
	return "", true
}

// detach retires an idle record so that no request can begin on it. It
// reports false while a request is in flight.
func (s *SessionRecord) detach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != "" {
		return false
	}
	s.detached = true
	return true
}

func (s *SessionRecord) end(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == requestID {
		s.inFlight = ""
	}
}

// Request is an outbound command. Payload is opaque to the dispatcher; a
// transport codec gives it meaning.
type Request struct {
	Command  string `json:"command"`
	Payload  []byte `json:"payload,omitempty"`
	Critical bool   `json:"critical,omitempty"`
}

// Reply is a correlated response delivered by a transport.
type Reply struct {
	RequestID string            `json:"request_id"`
	Command   string            `json:"command,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	// Final marks the reply as ending the session (e.g. a conversation end
	// action), moving the record to StateCompleted.
	Final bool `json:"final,omitempty"`
}

// Envelope is what a transport adapter receives for each send.
type Envelope struct {
	SessionKey SessionKey
	SessionID  string
	RequestID  string
	Attempt    int
	Request    Request
}

// OutcomeKind classifies a transport event.
type OutcomeKind int

const (
	// OutcomeReply carries the correlated reply.
	OutcomeReply OutcomeKind = iota
	// OutcomePending means "still computing, ask again after RetryAfter".
	OutcomePending
	// OutcomeTransient is a retryable failure; it consumes a retry attempt.
	OutcomeTransient
	// OutcomeFatal is a non-retryable failure.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReply:
		return "reply"
	case OutcomePending:
		return "pending"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what a transport reports for a request id.
type Outcome struct {
	Kind       OutcomeKind
	Reply      *Reply
	RetryAfter time.Duration
	Err        error
}

// ReplyOutcome wraps a reply.
func ReplyOutcome(r *Reply) Outcome { return Outcome{Kind: OutcomeReply, Reply: r} }

// PendingOutcome asks the dispatcher to re-poll after d.
func PendingOutcome(d time.Duration) Outcome { return Outcome{Kind: OutcomePending, RetryAfter: d} }

// TransientOutcome reports a retryable failure.
func TransientOutcome(err error) Outcome { return Outcome{Kind: OutcomeTransient, Err: err} }

// FatalOutcome reports a failure that must not be retried.
func FatalOutcome(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }

// SendOptions tunes a single SendAndAwait call.
type SendOptions struct {
	// Timeout bounds the wait for a correlated reply. Zero uses the
	// dispatcher default.
	Timeout time.Duration
	// CreateSession opens the session if the key is unknown instead of
	// failing with ErrSessionNotFound.
	CreateSession bool
	// Owner is attached to a session created by this call.
	Owner any
}

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}
