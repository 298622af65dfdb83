// Package governor owns the run state of a four-phase stepper: whether it is running, in
// which direction, how fast and for how many steps. A Governor is safe for concurrent use;
// commands may arrive from request handlers while Run is stepping the motor.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/webstepper/command"
	"github.com/viam-modules/webstepper/sequencer"
)

// Outputs drives the four coil lines. Apply must set all four lines before returning.
type Outputs interface {
	Apply(ctx context.Context, p sequencer.Pattern) error
}

// Status is a snapshot of the motion state.
type Status struct {
	Running   bool
	Direction sequencer.Direction
	Delay     time.Duration
	// TargetSteps of 0 means run until stopped.
	TargetSteps uint64
	StepsTaken  uint64
	// Position is the net number of steps taken, forward positive.
	Position int64
	// Run increases on every Start.
	Run uint64
}

// A Governor sequences the motor through runs and stops.
type Governor struct {
	mu     sync.Mutex
	seq    sequencer.Sequencer
	out    Outputs
	limits command.DelayRange
	state  Status
	logger logging.Logger
}

// New returns an idle Governor writing to out, with delays bounded by limits.
func New(out Outputs, limits command.DelayRange, logger logging.Logger) (*Governor, error) {
	if out == nil {
		return nil, errors.New("governor needs outputs")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Governor{
		out:    out,
		limits: limits,
		state: Status{
			Direction: sequencer.Forward,
			Delay:     time.Duration(limits.Max) * time.Millisecond,
		},
		logger: logger,
	}, nil
}

// Limits returns the delay bounds.
func (g *Governor) Limits() command.DelayRange {
	return g.limits
}

// Start begins a run, replacing any run in progress, and returns the run number. A target
// of 0 runs until Stop. delay is clamped into the configured limits.
func (g *Governor) Start(dir sequencer.Direction, delay time.Duration, target uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	clamped := g.limits.Clamp(delay)
	if clamped != delay {
		g.logger.Debugf("step delay %v clamped to %v", delay, clamped)
	}
	g.state.Running = true
	g.state.Direction = dir
	g.state.Delay = clamped
	g.state.TargetSteps = target
	g.state.StepsTaken = 0
	g.state.Run++
	g.logger.Debugf("run %d: %s every %v, target %d steps", g.state.Run, dir, clamped, target)
	return g.state.Run
}

// Stop ends any run and de-energizes the coils. Stopping an idle motor writes the
// de-energized pattern again.
func (g *Governor) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked(ctx)
}

// StopRun stops the motor only if run is still the active run.
func (g *Governor) StopRun(ctx context.Context, run uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Running || g.state.Run != run {
		return nil
	}
	return g.stopLocked(ctx)
}

func (g *Governor) stopLocked(ctx context.Context) error {
	if g.state.Running {
		g.logger.Debugf("run %d stopped after %d steps", g.state.Run, g.state.StepsTaken)
	}
	g.state.Running = false
	if err := g.out.Apply(ctx, g.seq.Release()); err != nil {
		return errors.Wrap(err, "failed to de-energize coils")
	}
	return nil
}

// Tick advances one step if running. A bounded run that reaches its target is stopped
// before Tick returns.
func (g *Governor) Tick(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.Running {
		return nil
	}

	p := g.seq.Advance(g.state.Direction)
	err := g.out.Apply(ctx, p)
	if g.state.Direction == sequencer.Reverse {
		g.state.Position--
	} else {
		g.state.Position++
	}
	if err != nil {
		err = errors.Wrap(err, "failed to write step pattern")
	}

	if g.state.TargetSteps > 0 {
		g.state.StepsTaken++
		if g.state.StepsTaken >= g.state.TargetSteps {
			if stopErr := g.stopLocked(ctx); err == nil {
				err = stopErr
			}
		}
	}
	return err
}

// Delay returns the current step delay.
func (g *Governor) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Delay
}

// Status returns a snapshot of the motion state.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ResetPosition sets the current position to -offset steps.
func (g *Governor) ResetPosition(offset int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Position = -offset
}

// Apply carries out a resolved command.
func (g *Governor) Apply(ctx context.Context, cmd command.Command) error {
	switch cmd.Kind {
	case command.RunClockwise, command.RunCounterClockwise:
		g.Start(cmd.Direction(), cmd.Delay, cmd.Steps)
		return nil
	case command.Stop:
		return g.Stop(ctx)
	default:
		return nil
	}
}
