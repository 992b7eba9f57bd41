package monitor

import (
	"fmt"
	"time"
)

// State is the engine's position in the supervise loop.
type State int

const (
	Ready    State = iota // READY: pid recorded, readiness gate running
	Running               // RUNNING: child alive, output loop active
	Killing               // KILLING: trigger or stop fired, tree going down
	Cooldown              // COOLDOWN: waiting restart_wait_time before respawn
	Exited                // EXITED: terminal; engine returns
)

var stateNames = [...]string{
	"READY", "RUNNING", "KILLING", "COOLDOWN", "EXITED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// validTransitions defines allowed state transitions. The loop owns
// the sequencing; the table documents it and lets tests assert it.
var validTransitions = map[State][]State{
	Ready:    {Running, Exited},
	Running:  {Killing, Cooldown, Exited},
	Killing:  {Cooldown, Exited},
	Cooldown: {Running, Exited},
	Exited:   nil,
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }
