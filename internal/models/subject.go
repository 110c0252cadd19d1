// Package models defines the core domain entities: subjects, snapshots, FSM states, and alert decisions.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SubjectKind distinguishes single instruments from portfolios.
type SubjectKind string

const (
	SubjectInstrument SubjectKind = "instrument"
	SubjectPortfolio  SubjectKind = "portfolio"
)

// Subject is the unit that owns an FSM state, a cooldown marker and a daily budget.
// Its string form is "instrument:<id>" or "portfolio:<uuid>".
type Subject struct {
	Kind         SubjectKind
	InstrumentID int64
	PortfolioID  uuid.UUID
}

// InstrumentSubject returns the subject for a tracked instrument.
func InstrumentSubject(id int64) Subject {
	return Subject{Kind: SubjectInstrument, InstrumentID: id}
}

// PortfolioSubject returns the subject for a portfolio.
func PortfolioSubject(id uuid.UUID) Subject {
	return Subject{Kind: SubjectPortfolio, PortfolioID: id}
}

// Key is the storage and locking key of the subject.
func (s Subject) Key() string {
	switch s.Kind {
	case SubjectInstrument:
		return string(SubjectInstrument) + ":" + strconv.FormatInt(s.InstrumentID, 10)
	case SubjectPortfolio:
		return string(SubjectPortfolio) + ":" + s.PortfolioID.String()
	default:
		return ""
	}
}

func (s Subject) String() string {
	return s.Key()
}

// IsZero reports whether the subject was never set.
func (s Subject) IsZero() bool {
	return s.Kind == ""
}

// Validate checks subject field constraints.
func (s Subject) Validate() error {
	switch s.Kind {
	case SubjectInstrument:
		if s.InstrumentID <= 0 {
			return errors.New("instrument ID must be positive")
		}
	case SubjectPortfolio:
		if s.PortfolioID == uuid.Nil {
			return errors.New("portfolio ID must not be nil")
		}
	case "":
		return errors.New("subject must not be empty")
	default:
		return fmt.Errorf("unknown subject kind %q", s.Kind)
	}
	return nil
}

// ParseSubject parses the output of Subject.Key.
func ParseSubject(key string) (Subject, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || id == "" {
		return Subject{}, fmt.Errorf("invalid subject %q: expected kind:id", key)
	}

	var s Subject
	switch SubjectKind(strings.ToLower(kind)) {
	case SubjectInstrument:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return Subject{}, fmt.Errorf("invalid instrument ID %q: %w", id, err)
		}
		s = InstrumentSubject(n)
	case SubjectPortfolio:
		u, err := uuid.Parse(id)
		if err != nil {
			return Subject{}, fmt.Errorf("invalid portfolio ID %q: %w", id, err)
		}
		s = PortfolioSubject(u)
	default:
		return Subject{}, fmt.Errorf("unknown subject kind %q", kind)
	}
	return s, s.Validate()
}

// MarshalText implements encoding.TextMarshaler.
func (s Subject) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.Key()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Subject) UnmarshalText(text []byte) error {
	parsed, err := ParseSubject(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
