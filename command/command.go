// Package command turns inbound motor requests into validated motion commands.
//
// Requests are never rejected: out of range or malformed speed and step values are clamped
// or defaulted, and an unknown command name resolves to NoOp.
package command

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/viam-modules/webstepper/sequencer"
)

// Request parameter names.
const (
	CmdParam   = "cmd"
	SpeedParam = "speed"
	StepsParam = "steps"
)

// Command names.
const (
	Clockwise        = "cw"
	CounterClockwise = "ccw"
	StopName         = "stop"
)

// Speed bounds, in percent.
const (
	MinSpeed     = 1
	MaxSpeed     = 100
	DefaultSpeed = 50
)

// MaxDelayLimit caps DelayRange.Max, in milliseconds.
const MaxDelayLimit = 60000

// Kind identifies the variant of a Command.
type Kind int

// Command kinds.
const (
	NoOp Kind = iota
	RunClockwise
	RunCounterClockwise
	Stop
)

func (k Kind) String() string {
	switch k {
	case RunClockwise:
		return "run_clockwise"
	case RunCounterClockwise:
		return "run_counter_clockwise"
	case Stop:
		return "stop"
	default:
		return "noop"
	}
}

// Command is a resolved motion request. SpeedPercent, Steps and Delay only carry meaning for
// the two run kinds; Steps of 0 means run until stopped.
type Command struct {
	Kind         Kind
	SpeedPercent int
	Steps        uint64
	Delay        time.Duration
}

// Direction reports the rotation direction of a run command.
func (c Command) Direction() sequencer.Direction {
	if c.Kind == RunCounterClockwise {
		return sequencer.Reverse
	}
	return sequencer.Forward
}

// DelayRange bounds the delay between steps, in milliseconds. Min is the fastest cadence.
type DelayRange struct {
	Min int
	Max int
}

// Validate checks the range is usable.
func (r DelayRange) Validate() error {
	if r.Min <= 0 {
		return errors.Errorf("min delay must be positive, got %dms", r.Min)
	}
	if r.Min > r.Max {
		return errors.Errorf("min delay %dms is greater than max delay %dms", r.Min, r.Max)
	}
	if r.Max > MaxDelayLimit {
		return errors.Errorf("max delay %dms is above the %dms limit", r.Max, MaxDelayLimit)
	}
	return nil
}

// Clamp bounds d to the range.
func (r DelayRange) Clamp(d time.Duration) time.Duration {
	lo := time.Duration(r.Min) * time.Millisecond
	hi := time.Duration(r.Max) * time.Millisecond
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// ClampSpeed bounds a speed percentage to [MinSpeed, MaxSpeed].
func ClampSpeed(speed int) int {
	if speed < MinSpeed {
		return MinSpeed
	}
	if speed > MaxSpeed {
		return MaxSpeed
	}
	return speed
}

// SpeedToDelay maps a speed percentage linearly onto the delay range: 1 is the slowest
// (r.Max) and 100 the fastest (r.Min). The arithmetic is whole milliseconds and truncates.
func SpeedToDelay(speed int, r DelayRange) time.Duration {
	speed = ClampSpeed(speed)
	ms := r.Max - ((speed-1)*(r.Max-r.Min))/(MaxSpeed-MinSpeed)
	return time.Duration(ms) * time.Millisecond
}

// Param is an optional request parameter.
type Param struct {
	Value   string
	Present bool
}

// P returns a present parameter.
func P(v string) Param {
	return Param{Value: v, Present: true}
}

// Interpreter resolves requests against a fixed delay range.
type Interpreter struct {
	delays DelayRange
}

// NewInterpreter returns an Interpreter for the given delay range.
func NewInterpreter(delays DelayRange) (*Interpreter, error) {
	if err := delays.Validate(); err != nil {
		return nil, err
	}
	return &Interpreter{delays: delays}, nil
}

// Delays returns the delay range the interpreter maps speeds onto.
func (in *Interpreter) Delays() DelayRange {
	return in.delays
}

// Interpret resolves a command name and its optional speed and steps parameters.
func (in *Interpreter) Interpret(name string, speed, steps Param) Command {
	var kind Kind
	switch name {
	case Clockwise:
		kind = RunClockwise
	case CounterClockwise:
		kind = RunCounterClockwise
	case StopName:
		return Command{Kind: Stop}
	default:
		return Command{Kind: NoOp}
	}

	pct := DefaultSpeed
	if speed.Present {
		v := atoi(speed.Value)
		if v < MinSpeed {
			v = MinSpeed
		} else if v > MaxSpeed {
			v = MaxSpeed
		}
		pct = int(v)
	}

	var n uint64
	if steps.Present {
		if v := atoi(steps.Value); v > 0 {
			n = uint64(v)
		}
	}

	return Command{
		Kind:         kind,
		SpeedPercent: pct,
		Steps:        n,
		Delay:        SpeedToDelay(pct, in.delays),
	}
}

// FromQuery resolves a parsed query string. Parameters may appear in any order; the first
// value of a repeated parameter wins.
func (in *Interpreter) FromQuery(q url.Values) Command {
	get := func(key string) Param {
		if !q.Has(key) {
			return Param{}
		}
		return P(q.Get(key))
	}
	return in.Interpret(q.Get(CmdParam), get(SpeedParam), get(StepsParam))
}

// atoi parses like C's atoi: leading whitespace, an optional sign, then the longest run of
// digits. Anything unparsable is 0 and overflow saturates.
func atoi(s string) int64 {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	// ParseInt returns the saturated value along with ErrRange.
	v, _ := strconv.ParseInt(s[:end], 10, 64)
	return v
}
