package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/webstepper/command"
	"github.com/viam-modules/webstepper/sequencer"
)

var limits = command.DelayRange{Min: 2, Max: 20}

type fakeOutputs struct {
	mu      sync.Mutex
	written []sequencer.Pattern
	err     error
}

func (f *fakeOutputs) Apply(ctx context.Context, p sequencer.Pattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p)
	return f.err
}

func (f *fakeOutputs) last() sequencer.Pattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[len(f.written)-1]
}

func (f *fakeOutputs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func newGovernor(t *testing.T) (*Governor, *fakeOutputs) {
	t.Helper()
	out := &fakeOutputs{}
	g, err := New(out, limits, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return g, out
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := New(nil, limits, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(&fakeOutputs{}, command.DelayRange{Min: 10, Max: 1}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	g, out := newGovernor(t)
	st := g.Status()
	test.That(t, st.Running, test.ShouldBeFalse)
	test.That(t, st.Delay, test.ShouldEqual, 20*time.Millisecond)
	test.That(t, out.count(), test.ShouldEqual, 0)
	test.That(t, g.Limits(), test.ShouldResemble, limits)
}

func TestBoundedRun(t *testing.T) {
	ctx := context.Background()

	t.Run("three steps", func(t *testing.T) {
		g, out := newGovernor(t)
		g.Start(sequencer.Forward, 5*time.Millisecond, 3)
		for i := 0; i < 2; i++ {
			test.That(t, g.Tick(ctx), test.ShouldBeNil)
			test.That(t, g.Status().Running, test.ShouldBeTrue)
		}
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
		st := g.Status()
		test.That(t, st.Running, test.ShouldBeFalse)
		test.That(t, st.StepsTaken, test.ShouldEqual, uint64(3))
		test.That(t, st.Position, test.ShouldEqual, int64(3))
		test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
		test.That(t, out.written, test.ShouldResemble, []sequencer.Pattern{
			sequencer.PatternFor(1),
			sequencer.PatternFor(2),
			sequencer.PatternFor(3),
			sequencer.Off,
		})

		// further ticks do nothing
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
		test.That(t, out.count(), test.ShouldEqual, 4)
	})

	t.Run("one step", func(t *testing.T) {
		g, out := newGovernor(t)
		g.Start(sequencer.Reverse, 5*time.Millisecond, 1)
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
		test.That(t, g.Status().Running, test.ShouldBeFalse)
		test.That(t, g.Status().Position, test.ShouldEqual, int64(-1))
		test.That(t, out.written, test.ShouldResemble, []sequencer.Pattern{
			sequencer.PatternFor(3),
			sequencer.Off,
		})
	})
}

func TestContinuousRun(t *testing.T) {
	ctx := context.Background()
	g, out := newGovernor(t)
	g.Start(sequencer.Forward, 2*time.Millisecond, 0)
	for i := 0; i < 10000; i++ {
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
	}
	st := g.Status()
	test.That(t, st.Running, test.ShouldBeTrue)
	test.That(t, st.StepsTaken, test.ShouldEqual, uint64(0))
	test.That(t, st.Position, test.ShouldEqual, int64(10000))
	test.That(t, out.count(), test.ShouldEqual, 10000)
	test.That(t, out.last(), test.ShouldResemble, sequencer.PatternFor(0))
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stop while running", func(t *testing.T) {
		g, out := newGovernor(t)
		g.Start(sequencer.Forward, 10*time.Millisecond, 0)
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
		test.That(t, g.Stop(ctx), test.ShouldBeNil)
		test.That(t, g.Status().Running, test.ShouldBeFalse)
		test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
	})

	t.Run("stop while idle", func(t *testing.T) {
		g, out := newGovernor(t)
		g.Start(sequencer.Forward, 10*time.Millisecond, 5)
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
		test.That(t, g.Stop(ctx), test.ShouldBeNil)
		before := g.Status()

		test.That(t, g.Stop(ctx), test.ShouldBeNil)
		after := g.Status()
		test.That(t, after, test.ShouldResemble, before)
		test.That(t, after.StepsTaken, test.ShouldEqual, uint64(2))
		test.That(t, after.TargetSteps, test.ShouldEqual, uint64(5))
		test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
		test.That(t, out.count(), test.ShouldEqual, 4)
	})

	t.Run("write failure is reported", func(t *testing.T) {
		g, out := newGovernor(t)
		out.err = errors.New("pin gone")
		g.Start(sequencer.Forward, 10*time.Millisecond, 0)
		test.That(t, g.Stop(ctx), test.ShouldNotBeNil)
		test.That(t, g.Status().Running, test.ShouldBeFalse)
	})
}

func TestRestartMidRun(t *testing.T) {
	ctx := context.Background()
	g, out := newGovernor(t)

	g.Start(sequencer.Forward, 15*time.Millisecond, 10)
	for i := 0; i < 4; i++ {
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
	}
	test.That(t, g.Status().StepsTaken, test.ShouldEqual, uint64(4))

	g.Start(sequencer.Reverse, 3*time.Millisecond, 2)
	st := g.Status()
	test.That(t, st.StepsTaken, test.ShouldEqual, uint64(0))
	test.That(t, st.TargetSteps, test.ShouldEqual, uint64(2))
	test.That(t, st.Delay, test.ShouldEqual, 3*time.Millisecond)
	test.That(t, st.Direction, test.ShouldEqual, sequencer.Reverse)
	test.That(t, st.Run, test.ShouldEqual, uint64(2))

	// index was 0 after four forward steps; reverse goes to 3 on the very next tick
	test.That(t, g.Tick(ctx), test.ShouldBeNil)
	test.That(t, out.last(), test.ShouldResemble, sequencer.PatternFor(3))
	test.That(t, g.Tick(ctx), test.ShouldBeNil)
	test.That(t, g.Status().Running, test.ShouldBeFalse)
	test.That(t, g.Status().Position, test.ShouldEqual, int64(2))
}

func TestDelayClamp(t *testing.T) {
	g, _ := newGovernor(t)
	g.Start(sequencer.Forward, time.Microsecond, 0)
	test.That(t, g.Delay(), test.ShouldEqual, 2*time.Millisecond)
	g.Start(sequencer.Forward, time.Minute, 0)
	test.That(t, g.Delay(), test.ShouldEqual, 20*time.Millisecond)
	g.Start(sequencer.Forward, 7*time.Millisecond, 0)
	test.That(t, g.Delay(), test.ShouldEqual, 7*time.Millisecond)
}

func TestTickWriteError(t *testing.T) {
	ctx := context.Background()
	g, out := newGovernor(t)
	out.err = errors.New("bus fault")
	g.Start(sequencer.Forward, 5*time.Millisecond, 1)
	err := g.Tick(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus fault")
	// the bounded run still completes
	test.That(t, g.Status().Running, test.ShouldBeFalse)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	g, out := newGovernor(t)
	in, err := command.NewInterpreter(limits)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, g.Apply(ctx, in.Interpret("cw", command.P("50"), command.P("0"))), test.ShouldBeNil)
	st := g.Status()
	test.That(t, st.Running, test.ShouldBeTrue)
	test.That(t, st.Direction, test.ShouldEqual, sequencer.Forward)
	test.That(t, st.Delay, test.ShouldEqual, 12*time.Millisecond)
	test.That(t, st.TargetSteps, test.ShouldEqual, uint64(0))

	test.That(t, g.Apply(ctx, command.Command{Kind: command.NoOp}), test.ShouldBeNil)
	test.That(t, g.Status(), test.ShouldResemble, st)

	test.That(t, g.Apply(ctx, in.Interpret("ccw", command.P("100"), command.P("4"))), test.ShouldBeNil)
	test.That(t, g.Status().Direction, test.ShouldEqual, sequencer.Reverse)

	test.That(t, g.Apply(ctx, in.Interpret("stop", command.Param{}, command.Param{})), test.ShouldBeNil)
	test.That(t, g.Status().Running, test.ShouldBeFalse)
	test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
}

func TestResetPosition(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	g.Start(sequencer.Forward, 5*time.Millisecond, 3)
	for i := 0; i < 3; i++ {
		test.That(t, g.Tick(ctx), test.ShouldBeNil)
	}
	g.ResetPosition(10)
	test.That(t, g.Status().Position, test.ShouldEqual, int64(-10))
}

func TestConcurrentCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, out := newGovernor(t)
	logger := logging.NewTestLogger(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, g, time.Millisecond, logger)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%2 == 0 {
					g.Start(sequencer.Direction(i%2), 2*time.Millisecond, uint64(j))
				} else {
					test.That(t, g.Stop(ctx), test.ShouldBeNil)
				}
			}
		}(i)
	}
	wg.Wait()
	test.That(t, g.Stop(ctx), test.ShouldBeNil)
	cancel()
	<-done

	test.That(t, g.Status().Running, test.ShouldBeFalse)
	test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
}

func TestStopRun(t *testing.T) {
	ctx := context.Background()
	g, out := newGovernor(t)

	first := g.Start(sequencer.Forward, 5*time.Millisecond, 0)
	second := g.Start(sequencer.Reverse, 5*time.Millisecond, 0)
	test.That(t, second, test.ShouldEqual, first+1)

	test.That(t, g.StopRun(ctx, first), test.ShouldBeNil)
	test.That(t, g.Status().Running, test.ShouldBeTrue)
	test.That(t, out.count(), test.ShouldEqual, 0)

	test.That(t, g.StopRun(ctx, second), test.ShouldBeNil)
	test.That(t, g.Status().Running, test.ShouldBeFalse)
	test.That(t, out.last(), test.ShouldResemble, sequencer.Off)
}
