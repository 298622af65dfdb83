// Package sequencer holds the full-step commutation table of a four-phase stepper and the
// phase counter that walks it.
package sequencer

// Pattern is the logic level of each of the four coil lines, in pin order a, b, c, d.
type Pattern [4]bool

// Off de-energizes every coil.
var Off = Pattern{}

// Two-phase-on full step sequence. Each pattern shares exactly one coil with its neighbours
// so torque is continuous in both directions.
var table = [4]Pattern{
	{true, false, false, true},
	{true, true, false, false},
	{false, true, true, false},
	{false, false, true, true},
}

// PatternFor returns the coil pattern for a phase index in [0,3].
func PatternFor(index int) Pattern {
	return table[index]
}

// Direction is the direction of rotation.
type Direction int

// Forward is clockwise, Reverse is counter-clockwise.
const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// A Sequencer tracks the current phase index. It is not safe for concurrent use; its owner
// serializes access.
type Sequencer struct {
	index int
}

// Advance moves one phase in the given direction and returns the new pattern.
func (s *Sequencer) Advance(dir Direction) Pattern {
	if dir == Reverse {
		// +3 is -1 mod 4 without a negative remainder.
		s.index = (s.index + 3) % len(table)
	} else {
		s.index = (s.index + 1) % len(table)
	}
	return PatternFor(s.index)
}

// Release returns the de-energized pattern. The phase index is kept so the next Advance
// continues the sequence.
func (s *Sequencer) Release() Pattern {
	return Off
}

// Index returns the current phase index.
func (s *Sequencer) Index() int {
	return s.index
}
