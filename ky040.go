// Package ky040 decodes KY-040 style quadrature rotary encoders.
//
// Every CLK/DT transition is validated against one of the two known
// 4-step quadrature sequences, so contact bounce and partial turns are
// rejected instead of being counted. The decoder works from a polling
// loop or from pin-change interrupts and allocates nothing after
// construction.
package ky040

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Rotation classifies the outcome of a single decoder evaluation.
type Rotation uint8

const (
	// Idle means the encoder is not rotating.
	Idle Rotation = iota
	// Active means a CLK/DT sequence is in progress but has not finished.
	Active
	// Clockwise means a clockwise sequence completed on this evaluation.
	Clockwise
	// CounterClockwise means a counter-clockwise sequence completed on
	// this evaluation.
	CounterClockwise
)

func (r Rotation) String() string {
	switch r {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Clockwise:
		return "clockwise"
	case CounterClockwise:
		return "counterclockwise"
	default:
		return "unknown"
	}
}

// settleWindowMillis is how long after a sequence start the encoder must
// stay quiet before sleeping is safe. Sleeping earlier risks missing the
// rest of the sequence.
const settleWindowMillis = 150

// idleState is the rest state of the CLK/DT lines (both high).
const idleState = 0b11

const sequenceSteps = 4

// CLK/DT sequences for a full detent, bit 1 is CLK and bit 0 is DT.
// The last step is the rest state, both lines back high.
var (
	seqCW  = [sequenceSteps]uint8{0b01, 0b00, 0b10, idleState}
	seqCCW = [sequenceSteps]uint8{0b10, 0b00, 0b01, idleState}
)

// Encoder is the decoder for one physical rotary encoder.
//
// Two execution contexts may share an instance: an interrupt (or other
// asynchronous) context driving Sample/Evaluate/Poll, and a normal
// context consuming TakeLastRotation and ReadyForSleep. Fields crossing
// that boundary are atomics; the remaining state machine fields must
// only ever be touched by the sampling context.
type Encoder struct {
	clk Pin
	dt  Pin

	state        atomic.Uint32 // last raw 2-bit sample, bit1=CLK, bit0=DT
	lastRotation atomic.Uint32 // single-slot latch, overwritten on overrun
	seqStart     atomic.Uint32 // millis at the most recent sequence start

	// Owned by the sampling context.
	prevState uint8
	direction Rotation
	step      uint8

	millis func() uint32
}

// NewWithPins creates an encoder from already-opened CLK and DT pins.
// Both pins are configured as inputs with pull-ups; KY-040 boards
// without onboard pull-up resistors rely on the internal ones.
func NewWithPins(clk, dt Pin) (*Encoder, error) {
	if clk == nil {
		return nil, fmt.Errorf("CLK pin not configured")
	}
	if dt == nil {
		return nil, fmt.Errorf("DT pin not configured")
	}
	if err := clk.In(PullUp); err != nil {
		return nil, fmt.Errorf("failed to configure CLK pin: %w", err)
	}
	if err := dt.In(PullUp); err != nil {
		return nil, fmt.Errorf("failed to configure DT pin: %w", err)
	}

	e := &Encoder{
		clk:       clk,
		dt:        dt,
		prevState: idleState,
		millis:    uptimeMillis,
	}
	e.state.Store(idleState)
	e.lastRotation.Store(uint32(Idle))
	e.seqStart.Store(e.millis())

	globalLogger.Info("KY-040 encoder initialized.")
	return e, nil
}

func (e *Encoder) String() string {
	return fmt.Sprintf("KY040(state=%02b)", e.State())
}

// Sample stores the raw CLK/DT levels without evaluating them.
// Safe to call from an interrupt handler.
func (e *Encoder) Sample(clk, dt Level) {
	var s uint8
	if clk {
		s |= 0b10
	}
	if dt {
		s |= 0b01
	}
	e.state.Store(uint32(s))
}

// SetState stores a raw 2-bit pin state (bit 1 CLK, bit 0 DT) for
// callers that assemble the code themselves.
// Safe to call from an interrupt handler.
func (e *Encoder) SetState(s uint8) {
	e.state.Store(uint32(s & 0b11))
}

// State returns the most recently stored raw 2-bit pin state.
func (e *Encoder) State() uint8 {
	return uint8(e.state.Load())
}

// Evaluate advances the state machine using the stored pin state and
// classifies this evaluation. Completed rotations are also latched for
// TakeLastRotation. Safe to call from an interrupt handler, but only
// from one context at a time.
//
// Rules, per evaluation:
//   - an unchanged sample never advances the sequence;
//   - from rest, the first code of either sequence starts matching it;
//   - mid-sequence, the expected code advances the match and the final
//     code completes it;
//   - a mismatching code is ignored (bounce) unless it is the rest
//     state, which abandons the sequence.
//
// The return value is Clockwise or CounterClockwise when a sequence
// completed on this call, Active while one is in progress and Idle
// otherwise.
func (e *Encoder) Evaluate() Rotation {
	result := Idle

	s := uint8(e.state.Load())
	if s != e.prevState {
		if e.step == 0 {
			// Check for the begin of a rotation.
			if s == seqCW[0] {
				e.direction = Clockwise
				e.step = 1
				e.seqStart.Store(e.millis())
			}
			if s == seqCCW[0] {
				e.direction = CounterClockwise
				e.step = 1
				e.seqStart.Store(e.millis())
			}
		} else {
			seq := &seqCW
			if e.direction == CounterClockwise {
				seq = &seqCCW
			}
			switch {
			case s == seq[e.step]:
				e.step++
				if e.step >= sequenceSteps {
					// Sequence has finished.
					result = e.direction
					e.lastRotation.Store(uint32(result))
					e.direction = Idle
					e.step = 0
				}
			case s == idleState:
				// Invalid sequence, the lines are back at rest.
				e.direction = Idle
				e.step = 0
			}
			// Any other mismatch is a bounce reading and is ignored.
		}
		e.prevState = s
	}
	if result == Idle && e.step > 0 {
		result = Active
	}

	// Keep the apparent elapsed time bounded so a wrap of the
	// millisecond counter cannot leave ReadyForSleep stuck.
	now := e.millis()
	if now-e.seqStart.Load() > settleWindowMillis {
		e.seqStart.Store(now - settleWindowMillis - 1)
	}

	return result
}

// SampleAndEvaluate stores the given pin levels and evaluates them.
// Safe to call from an interrupt handler.
func (e *Encoder) SampleAndEvaluate(clk, dt Level) Rotation {
	e.Sample(clk, dt)
	return e.Evaluate()
}

// Poll reads both pins, stores the sample and evaluates it. This is the
// form for a polling loop with direct pin access; call it frequently
// enough not to miss transitions.
func (e *Encoder) Poll() Rotation {
	return e.SampleAndEvaluate(e.clk.Read(), e.dt.Read())
}

// TakeLastRotation returns the most recent completed rotation and
// clears it, so each rotation is observed exactly once. If a rotation
// completes before the previous one was taken, the older one is lost.
// For the non-interrupt context; the sampling context should use the
// Evaluate return value instead.
func (e *Encoder) TakeLastRotation() Rotation {
	return Rotation(e.lastRotation.Swap(uint32(Idle)))
}

// ReadyForSleep reports whether the encoder has been quiet long enough
// since the last sequence start that entering a low-power sleep will
// not lose a reading.
func (e *Encoder) ReadyForSleep() bool {
	return e.millis()-e.seqStart.Load() > settleWindowMillis
}

// Watch registers a both-edges interrupt handler on CLK and DT that
// feeds the decoder. Completed rotations are then available through
// TakeLastRotation.
func (e *Encoder) Watch() error {
	handler := func() { e.Poll() }
	if err := e.clk.Watch(BothEdges, handler); err != nil {
		return fmt.Errorf("failed to watch CLK pin: %w", err)
	}
	if err := e.dt.Watch(BothEdges, handler); err != nil {
		e.clk.Unwatch()
		return fmt.Errorf("failed to watch DT pin: %w", err)
	}
	return nil
}

// Unwatch removes the interrupt handlers installed by Watch.
func (e *Encoder) Unwatch() error {
	errClk := e.clk.Unwatch()
	errDt := e.dt.Unwatch()
	if errClk != nil {
		return errClk
	}
	return errDt
}

// Close releases the encoder's pins.
func (e *Encoder) Close() error {
	err := e.Unwatch()
	globalLogger.Info("KY-040 encoder closed.")
	return err
}

var bootTime = time.Now()

// uptimeMillis is the default millisecond clock: monotonic milliseconds
// since package initialization, wrapping modulo 2^32 (about 49 days).
func uptimeMillis() uint32 {
	return uint32(time.Since(bootTime).Milliseconds())
}
