package monitor

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Ready, "READY"},
		{Running, "RUNNING"},
		{Killing, "KILLING"},
		{Cooldown, "COOLDOWN"},
		{Exited, "EXITED"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Ready, Running, true},
		{Ready, Exited, true},
		{Running, Killing, true},
		{Running, Cooldown, true},
		{Running, Exited, true},
		{Killing, Cooldown, true},
		{Killing, Exited, true},
		{Cooldown, Running, true},
		{Cooldown, Exited, true},

		{Ready, Cooldown, false},
		{Ready, Killing, false},
		{Killing, Running, false},
		{Cooldown, Killing, false},
		{Exited, Running, false},
		{Exited, Ready, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("canTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
