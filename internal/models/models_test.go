package models

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
)

func ptr(v float64) *float64 { return &v }

func TestSnapshotValidate(t *testing.T) {
	now := time.Now()
	pid := uuid.New()
	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  bool
	}{
		{
			name: "valid instrument snapshot",
			snapshot: Snapshot{
				Subject: InstrumentSubject(42),
				At:      now,
				Signals: []Signal{{ClassID: "MOEX_BLUE", Ticker: "SBER", Window: WindowFast, PctMove: 2.5}},
			},
		},
		{
			name: "valid portfolio snapshot",
			snapshot: Snapshot{
				Subject:   PortfolioSubject(pid),
				At:        now,
				Portfolio: &PortfolioMetrics{DrawdownPct: ptr(6)},
			},
		},
		{
			name:     "empty subject",
			snapshot: Snapshot{At: now, Signals: []Signal{{ClassID: "A", Ticker: "B", Window: WindowFast}}},
			wantErr:  true,
		},
		{
			name:     "instrument without signals",
			snapshot: Snapshot{Subject: InstrumentSubject(1), At: now},
			wantErr:  true,
		},
		{
			name: "unknown window",
			snapshot: Snapshot{
				Subject: InstrumentSubject(1),
				Signals: []Signal{{ClassID: "A", Ticker: "B", Window: "weekly"}},
			},
			wantErr: true,
		},
		{
			name: "NaN move",
			snapshot: Snapshot{
				Subject: InstrumentSubject(1),
				Signals: []Signal{{ClassID: "A", Ticker: "B", Window: WindowDaily, PctMove: math.NaN()}},
			},
			wantErr: true,
		},
		{
			name: "portfolio with signals",
			snapshot: Snapshot{
				Subject:   PortfolioSubject(pid),
				Portfolio: &PortfolioMetrics{},
				Signals:   []Signal{{ClassID: "A", Ticker: "B", Window: WindowDaily}},
			},
			wantErr: true,
		},
		{
			name: "negative volume",
			snapshot: Snapshot{
				Subject: InstrumentSubject(1),
				Signals: []Signal{{ClassID: "A", Ticker: "B", Window: WindowFast, Volume: ptr(-1)}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snapshot.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSnapshot) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidSnapshot", err)
			}
		})
	}
}

func TestParseSubject(t *testing.T) {
	pid := uuid.New()

	s, err := ParseSubject("instrument:123")
	if err != nil {
		t.Fatalf("ParseSubject() error = %v", err)
	}
	if s.Kind != SubjectInstrument || s.InstrumentID != 123 {
		t.Errorf("ParseSubject() = %+v", s)
	}

	s, err = ParseSubject(PortfolioSubject(pid).Key())
	if err != nil {
		t.Fatalf("ParseSubject() error = %v", err)
	}
	if s.PortfolioID != pid {
		t.Errorf("portfolio ID = %v, want %v", s.PortfolioID, pid)
	}

	for _, bad := range []string{"", "instrument", "instrument:abc", "instrument:0", "portfolio:nope", "user:1"} {
		if _, err := ParseSubject(bad); err == nil {
			t.Errorf("ParseSubject(%q) expected error", bad)
		}
	}
}

func TestStateCodec(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	quiet := Quiet{Buffer: []PendingAlert{{
		Kind:    EventFastMove,
		ClassID: "MOEX_BLUE",
		Ticker:  "SBER",
		Window:  WindowFast,
		Score:   0.7,
		PctMove: 2.7,
		At:      at.UTC(),
	}}}

	data, err := MarshalState(quiet)
	if err != nil {
		t.Fatalf("MarshalState() error = %v", err)
	}
	decoded, err := UnmarshalState(data)
	if err != nil {
		t.Fatalf("UnmarshalState() error = %v", err)
	}
	q, ok := decoded.(Quiet)
	if !ok {
		t.Fatalf("decoded %T, want Quiet", decoded)
	}
	if len(q.Buffer) != 1 || q.Buffer[0].DedupKey() != "MOEX_BLUE|SBER|fast" || !q.Buffer[0].At.Equal(at) {
		t.Errorf("decoded buffer = %+v", q.Buffer)
	}

	data, err = MarshalState(Armed{At: at})
	if err != nil {
		t.Fatalf("MarshalState() error = %v", err)
	}
	decoded, err = UnmarshalState(data)
	if err != nil {
		t.Fatalf("UnmarshalState() error = %v", err)
	}
	if armed, ok := decoded.(Armed); !ok || !armed.At.Equal(at) {
		t.Errorf("decoded = %#v, want Armed at %v", decoded, at)
	}

	until := time.Date(2025, 3, 3, 11, 0, 0, 750_000_000, time.UTC)
	data, err = MarshalState(Cooldown{Until: until})
	if err != nil {
		t.Fatalf("MarshalState() error = %v", err)
	}
	decoded, err = UnmarshalState(data)
	if err != nil {
		t.Fatalf("UnmarshalState() error = %v", err)
	}
	if cd, ok := decoded.(Cooldown); !ok || !cd.Until.Equal(until) {
		t.Errorf("decoded = %#v, want Cooldown until %v with sub-second precision", decoded, until)
	}

	if st, err := UnmarshalState(nil); err != nil || st.Kind() != StateIdle {
		t.Errorf("UnmarshalState(nil) = %v, %v", st, err)
	}
	if _, err := UnmarshalState([]byte(`{"type":"sleeping"}`)); err == nil {
		t.Error("expected error for unknown state type")
	}
}

func TestTriggeredWindows(t *testing.T) {
	var rec SubjectRecord
	rec.SetTriggered(WindowFast, true)
	rec.SetTriggered(WindowDaily, true)
	rec.SetTriggered(WindowDaily, true)
	if got := FormatWindows(rec.Triggered); got != "daily,fast" {
		t.Errorf("FormatWindows() = %q, want %q", got, "daily,fast")
	}

	copied := rec
	copied.SetTriggered(WindowDaily, false)
	if !rec.IsTriggered(WindowDaily) {
		t.Error("releasing a copy changed the original record")
	}
	if copied.IsTriggered(WindowDaily) || !copied.IsTriggered(WindowFast) {
		t.Errorf("copied.Triggered = %v, want [fast]", copied.Triggered)
	}
	copied.SetTriggered(WindowFast, false)
	if copied.Triggered != nil {
		t.Errorf("copied.Triggered = %v, want nil", copied.Triggered)
	}

	tests := []struct {
		in      string
		want    []Window
		wantErr bool
	}{
		{"", nil, false},
		{"daily,fast", []Window{WindowDaily, WindowFast}, false},
		{"FAST", []Window{WindowFast}, false},
		{"daily,hourly", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseWindows(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWindows(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("ParseWindows(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecisionOutcome(t *testing.T) {
	buffered := Decision{
		State:      Quiet{Buffer: []PendingAlert{{ClassID: "A"}}},
		Suppressed: []string{ReasonQuietHours},
	}
	if got := buffered.Outcome(); got != OutcomeBuffer {
		t.Errorf("Outcome() = %v, want buffer", got)
	}

	delivered := Decision{State: Cooldown{}, Emitted: []EmittedAlert{{Reason: DeliveredDirect}}}
	if got := delivered.Outcome(); got != OutcomeDeliver {
		t.Errorf("Outcome() = %v, want deliver", got)
	}

	suppressed := Decision{State: Cooldown{}, Suppressed: []string{ReasonCooldown}}
	if got := suppressed.Outcome(); got != OutcomeSuppress {
		t.Errorf("Outcome() = %v, want suppress", got)
	}
}
