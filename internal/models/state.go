package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/bytedance/sonic"
)

// StateKind names an FSM state.
type StateKind string

const (
	StateIdle            StateKind = "idle"
	StateArmed           StateKind = "armed"
	StateCooldown        StateKind = "cooldown"
	StateQuiet           StateKind = "quiet"
	StateBudgetExhausted StateKind = "budget_exhausted"
)

// State is the per-subject FSM state. The concrete types are Idle, Armed,
// Cooldown, Quiet and BudgetExhausted.
type State interface {
	Kind() StateKind
	isState()
}

// Idle means nothing is pending.
type Idle struct{}

// Armed means a fast-window candidate was seen at At and awaits confirmation.
type Armed struct {
	At time.Time
}

// Cooldown suppresses deliveries until Until.
type Cooldown struct {
	Until time.Time
}

// Quiet holds alerts buffered during quiet hours.
type Quiet struct {
	Buffer []PendingAlert
}

// BudgetExhausted means the subject's daily push budget is used up.
type BudgetExhausted struct{}

func (Idle) Kind() StateKind            { return StateIdle }
func (Armed) Kind() StateKind           { return StateArmed }
func (Cooldown) Kind() StateKind        { return StateCooldown }
func (Quiet) Kind() StateKind           { return StateQuiet }
func (BudgetExhausted) Kind() StateKind { return StateBudgetExhausted }

func (Idle) isState()            {}
func (Armed) isState()           {}
func (Cooldown) isState()        {}
func (Quiet) isState()           {}
func (BudgetExhausted) isState() {}

// SubjectRecord is everything persisted per subject.
type SubjectRecord struct {
	State State
	// CooldownUntil is the delivery cooldown marker; zero when none was armed.
	CooldownUntil time.Time
	// SummaryDay is the last local date a portfolio summary was delivered or buffered.
	SummaryDay string
	// Triggered lists the windows that delivered and have not yet fallen
	// below their hysteresis exit level.
	Triggered []Window
	UpdatedAt time.Time
}

// IsTriggered reports whether w is latched.
func (r SubjectRecord) IsTriggered(w Window) bool {
	return slices.Contains(r.Triggered, w)
}

// SetTriggered latches or releases w. The slice is rebuilt so records
// never share backing arrays.
func (r *SubjectRecord) SetTriggered(w Window, on bool) {
	if r.IsTriggered(w) == on {
		return
	}
	next := make([]Window, 0, len(r.Triggered)+1)
	for _, existing := range r.Triggered {
		if existing != w {
			next = append(next, existing)
		}
	}
	if on {
		next = append(next, w)
	}
	slices.Sort(next)
	if len(next) == 0 {
		next = nil
	}
	r.Triggered = next
}

// NewSubjectRecord returns the record of a subject never seen before.
func NewSubjectRecord() SubjectRecord {
	return SubjectRecord{State: Idle{}}
}

type stateEnvelope struct {
	Type    StateKind      `json:"type"`
	ArmedAt int64          `json:"armed_at_ns,omitempty"`
	Until   int64          `json:"until_ns,omitempty"`
	Buffer  []PendingAlert `json:"buffer,omitempty"`
}

// MarshalState encodes a state as a tagged JSON document.
func MarshalState(s State) ([]byte, error) {
	var env stateEnvelope
	switch st := s.(type) {
	case nil, Idle:
		env.Type = StateIdle
	case Armed:
		env.Type = StateArmed
		env.ArmedAt = st.At.UnixNano()
	case Cooldown:
		env.Type = StateCooldown
		env.Until = st.Until.UnixNano()
	case Quiet:
		env.Type = StateQuiet
		env.Buffer = st.Buffer
	case BudgetExhausted:
		env.Type = StateBudgetExhausted
	default:
		return nil, fmt.Errorf("unknown state %T", s)
	}
	return sonic.Marshal(&env)
}

// UnmarshalState decodes the output of MarshalState. Empty input decodes to Idle.
func UnmarshalState(data []byte) (State, error) {
	if len(data) == 0 {
		return Idle{}, nil
	}

	var env stateEnvelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	switch env.Type {
	case StateIdle:
		return Idle{}, nil
	case StateArmed:
		return Armed{At: time.Unix(0, env.ArmedAt)}, nil
	case StateCooldown:
		return Cooldown{Until: time.Unix(0, env.Until)}, nil
	case StateQuiet:
		return Quiet{Buffer: env.Buffer}, nil
	case StateBudgetExhausted:
		return BudgetExhausted{}, nil
	default:
		return nil, fmt.Errorf("unknown state type %q", env.Type)
	}
}
