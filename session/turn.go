package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for a turn change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid turn transition")

// TurnState is who currently holds the floor.
type TurnState int

const (
	// StateIdle is the state before the greeting starts. It is never
	// re-entered.
	StateIdle TurnState = iota
	StateSpeaking
	StateListening
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}

// Turn tracks the turn state of one call and owns its single pending
// turn-completion timer. Turn is not safe for concurrent use; CallSession
// guards it.
type Turn struct {
	state             TurnState
	greetingDelivered bool

	timer Timer
	gen   uint64
}

// State returns the current state.
func (t *Turn) State() TurnState {
	return t.state
}

// GreetingDelivered reports whether the greeting audio was fully queued.
func (t *Turn) GreetingDelivered() bool {
	return t.greetingDelivered
}

// Speak moves to speaking from idle or listening.
func (t *Turn) Speak() error {
	switch t.state {
	case StateIdle, StateListening:
		t.state = StateSpeaking
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, StateSpeaking)
	}
}

// Listen moves from speaking to listening.
func (t *Turn) Listen() error {
	if t.state != StateSpeaking {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, StateListening)
	}
	t.state = StateListening
	return nil
}

// MarkGreetingDelivered records that the greeting was queued. It never
// reverts.
func (t *Turn) MarkGreetingDelivered() {
	t.greetingDelivered = true
}

// Arm schedules fire after d, cancelling any pending timer first. fire
// receives the generation of the timer that scheduled it; pass it to
// Expire to learn whether that timer is still the pending one.
func (t *Turn) Arm(clock Clock, d time.Duration, fire func(gen uint64)) {
	t.Disarm()
	t.gen++
	gen := t.gen
	t.timer = clock.AfterFunc(d, func() { fire(gen) })
}

// Expire consumes the pending timer if gen identifies it.
func (t *Turn) Expire(gen uint64) bool {
	if t.timer == nil || t.gen != gen {
		return false
	}
	t.timer = nil
	return true
}

// Disarm cancels the pending timer, if any.
func (t *Turn) Disarm() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether a timer is armed.
func (t *Turn) Pending() bool {
	return t.timer != nil
}
