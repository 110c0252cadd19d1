package api

import (
	"time"

	"github.com/rewired-gh/noisegate/internal/models"
)

type alertDTO struct {
	Kind      models.EventKind `json:"kind"`
	ClassID   string           `json:"class_id"`
	Ticker    string           `json:"ticker"`
	Window    models.Window    `json:"window,omitempty"`
	PctMove   float64          `json:"pct_move"`
	Score     float64          `json:"score"`
	Threshold float64          `json:"threshold"`
	At        time.Time        `json:"at"`
	Reason    string           `json:"reason,omitempty"`
}

type stateBody struct {
	Kind    models.StateKind `json:"kind"`
	ArmedAt *time.Time       `json:"armed_at,omitempty"`
	Until   *time.Time       `json:"until,omitempty"`
	Buffer  []alertDTO       `json:"buffer,omitempty"`
}

type stateDTO struct {
	Subject string    `json:"subject"`
	State   stateBody `json:"state"`
}

type decisionDTO struct {
	Subject    string         `json:"subject"`
	At         time.Time      `json:"at"`
	Outcome    models.Outcome `json:"outcome"`
	State      stateBody      `json:"state"`
	Emitted    []alertDTO     `json:"emitted"`
	Suppressed []string       `json:"suppressed"`
}

func newAlertDTO(a models.PendingAlert, reason string) alertDTO {
	return alertDTO{
		Kind:      a.Kind,
		ClassID:   a.ClassID,
		Ticker:    a.Ticker,
		Window:    a.Window,
		PctMove:   a.PctMove,
		Score:     a.Score,
		Threshold: a.Threshold,
		At:        a.At,
		Reason:    reason,
	}
}

func newStateBody(st models.State) stateBody {
	if st == nil {
		st = models.Idle{}
	}
	body := stateBody{Kind: st.Kind()}
	switch s := st.(type) {
	case models.Armed:
		at := s.At
		body.ArmedAt = &at
	case models.Cooldown:
		until := s.Until
		body.Until = &until
	case models.Quiet:
		for _, a := range s.Buffer {
			body.Buffer = append(body.Buffer, newAlertDTO(a, ""))
		}
	}
	return body
}

func newDecisionDTO(d models.Decision) decisionDTO {
	out := decisionDTO{
		Subject:    d.Subject.Key(),
		At:         d.At,
		Outcome:    d.Outcome(),
		State:      newStateBody(d.State),
		Emitted:    make([]alertDTO, 0, len(d.Emitted)),
		Suppressed: make([]string, 0, len(d.Suppressed)),
	}
	for _, e := range d.Emitted {
		out.Emitted = append(out.Emitted, newAlertDTO(e.Alert, e.Reason))
	}
	out.Suppressed = append(out.Suppressed, d.Suppressed...)
	return out
}
