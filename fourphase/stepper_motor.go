// Package fourphase implements a four-phase unipolar stepper (e.g. 28BYJ-48 on a ULN2003
// driver board) whose coils are wired to four board GPIO pins, with an optional web control
// page.
package fourphase

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/viam-modules/webstepper/command"
	"github.com/viam-modules/webstepper/governor"
	"github.com/viam-modules/webstepper/sequencer"
	"github.com/viam-modules/webstepper/webcontrol"
)

// Defaults.
const (
	defaultTicksPerRotation = 200
	defaultMinDelayMs       = 2
	defaultMaxDelayMs       = 20
)

// PinConfig names the board pins driving coils a through d.
type PinConfig struct {
	A string `json:"a"`
	B string `json:"b"`
	C string `json:"c"`
	D string `json:"d"`
}

func (p PinConfig) names() [4]string {
	return [4]string{p.A, p.B, p.C, p.D}
}

// Config describes the configuration of a motor.
type Config struct {
	BoardName        string    `json:"board"`
	Pins             PinConfig `json:"pins"`
	TicksPerRotation int       `json:"ticks_per_rotation,omitempty"`
	MinDelayMs       int       `json:"min_delay_ms,omitempty"` // fastest step cadence, 2 default
	MaxDelayMs       int       `json:"max_delay_ms,omitempty"` // slowest step cadence, 20 default
	HTTPAddress      string    `json:"http_address,omitempty"` // serve the control page here if set
}

// Model for a four-phase stepper driven straight from GPIO pins.
var Model = resource.NewModel("viam", "webstepper", "four-phase")

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	for i, pin := range config.Pins.names() {
		if pin == "" {
			return nil, nil, resource.NewConfigValidationFieldRequiredError(path, fmt.Sprintf("pins.%c", 'a'+i))
		}
	}
	if config.TicksPerRotation < 0 {
		return nil, nil, errors.New("ticks_per_rotation cannot be negative")
	}
	if config.MinDelayMs < 0 || config.MaxDelayMs < 0 {
		return nil, nil, errors.New("min_delay_ms and max_delay_ms cannot be negative")
	}
	if err := config.delays().Validate(); err != nil {
		return nil, nil, err
	}
	return []string{config.BoardName}, nil, nil
}

// delays returns the configured delay range with defaults filled in.
func (config *Config) delays() command.DelayRange {
	r := command.DelayRange{Min: config.MinDelayMs, Max: config.MaxDelayMs}
	if r.Min == 0 {
		r.Min = defaultMinDelayMs
	}
	if r.Max == 0 {
		r.Max = defaultMaxDelayMs
	}
	return r
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// boardOutputs writes coil patterns to four board pins.
type boardOutputs struct {
	pins [4]board.GPIOPin
}

func (o *boardOutputs) Apply(ctx context.Context, p sequencer.Pattern) error {
	return multierr.Combine(
		o.pins[0].Set(ctx, p[0], nil),
		o.pins[1].Set(ctx, p[1], nil),
		o.pins[2].Set(ctx, p[2], nil),
		o.pins[3].Set(ctx, p[3], nil),
	)
}

// A Motor is a four-phase stepper stepped in software.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild
	gov              *governor.Governor
	interp           *command.Interpreter
	ticksPerRotation int
	maxRPM           float64
	logger           logging.Logger
	opMgr            *operation.SingleOperationManager
	workers          *utils.StoppableWorkers
	web              *webcontrol.Server
	motorName        string

	mu       sync.Mutex
	powerPct float64
}

// newMotor returns a four-phase motor wired to the pins of its board dependency.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}

	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Wrapf(err, "%q is not a board", conf.BoardName)
	}
	out := &boardOutputs{}
	for i, name := range conf.Pins.names() {
		out.pins[i], err = b.GPIOPinByName(name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get pin %q", name)
		}
	}
	m, err := makeMotor(ctx, *conf, c.ResourceName(), logger, out)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// makeMotor returns a four-phase motor. It is separate from newMotor, above, so you can inject
// fake outputs in here during testing.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger, out governor.Outputs,
) (*Motor, error) {
	if c.TicksPerRotation == 0 {
		logger.CWarn(ctx, "ticks_per_rotation not set, setting to 200")
		c.TicksPerRotation = defaultTicksPerRotation
	}
	delays := c.delays()

	interp, err := command.NewInterpreter(delays)
	if err != nil {
		return nil, err
	}
	gov, err := governor.New(out, delays, logger)
	if err != nil {
		return nil, err
	}

	m := &Motor{
		Named:            name.AsNamed(),
		gov:              gov,
		interp:           interp,
		ticksPerRotation: c.TicksPerRotation,
		maxRPM:           float64(time.Minute) / (float64(delays.Min) * float64(time.Millisecond) * float64(c.TicksPerRotation)),
		logger:           logger,
		opMgr:            operation.NewSingleOperationManager(),
		motorName:        name.ShortName(),
	}

	// Coils start de-energized.
	if err := gov.Stop(ctx); err != nil {
		return nil, err
	}

	if c.HTTPAddress != "" {
		m.web, err = webcontrol.Listen(c.HTTPAddress, webcontrol.NewHandler(interp, m, logger), logger)
		if err != nil {
			return nil, err
		}
	}

	m.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		governor.Run(ctx, gov, governor.DefaultIdle, logger)
	})
	return m, nil
}

func (m *Motor) setPowerPct(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerPct = pct
}

// rpmToDelay converts a speed to the delay between steps. Speeds too slow for the delay range
// get the slowest cadence.
func (m *Motor) rpmToDelay(rpm float64) time.Duration {
	slowest := time.Duration(m.interp.Delays().Max) * time.Millisecond
	d := float64(time.Minute) / (math.Abs(rpm) * float64(m.ticksPerRotation))
	if math.IsNaN(d) || d > float64(slowest) {
		return slowest
	}
	return time.Duration(d)
}

// Apply carries out a command from the web control page or DoCommand. Any GoFor or GoTo in
// progress is cancelled first, unless the command is a NoOp.
func (m *Motor) Apply(ctx context.Context, cmd command.Command) error {
	if cmd.Kind == command.NoOp {
		return nil
	}
	m.opMgr.CancelRunning(ctx)
	switch cmd.Kind {
	case command.RunClockwise:
		m.setPowerPct(float64(cmd.SpeedPercent) / command.MaxSpeed)
	case command.RunCounterClockwise:
		m.setPowerPct(-float64(cmd.SpeedPercent) / command.MaxSpeed)
	default:
		m.setPowerPct(0)
	}
	if err := m.gov.Apply(ctx, cmd); err != nil {
		return errors.Wrapf(err, "error applying %s to motor (%s)", cmd.Kind, m.motorName)
	}
	return nil
}

// Position gives the current motor position in revolutions.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return float64(m.gov.Status().Position) / float64(m.ticksPerRotation), nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// SetPower runs the motor continuously at powerPct (between -1 and 1) of its speed range.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if math.Abs(powerPct) < 0.005 {
		m.setPowerPct(0)
		return errors.Wrapf(m.gov.Stop(ctx), "error in SetPower from motor (%s)", m.motorName)
	}
	if math.Abs(powerPct) > 1 {
		m.logger.Warnf("power %.2f out of range, clamping to [-1, 1]", powerPct)
		powerPct = math.Copysign(1, powerPct)
	}

	dir := sequencer.Forward
	if powerPct < 0 {
		dir = sequencer.Reverse
	}
	speed := int(math.Round(math.Abs(powerPct) * command.MaxSpeed))
	m.gov.Start(dir, command.SpeedToDelay(speed, m.interp.Delays()), 0)
	m.setPowerPct(powerPct)
	return nil
}

// SetRPM instructs the motor to move at the specified RPM indefinitely.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if rpm == 0 {
		m.setPowerPct(0)
		return errors.Wrapf(m.gov.Stop(ctx), "error in SetRPM from motor (%s)", m.motorName)
	}

	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		m.logger.CError(ctx, err)
	}

	dir := sequencer.Forward
	if rpm < 0 {
		dir = sequencer.Reverse
	}
	m.gov.Start(dir, m.rpmToDelay(rpm), 0)
	m.setPowerPct(math.Max(-1, math.Min(1, rpm/m.maxRPM)))
	return nil
}

// GoFor turns in the given direction the given number of times at the given speed.
// Both the RPM and the revolutions can be assigned negative values to move in a backwards direction.
// Note: if both are negative the motor will spin in the forward direction.
// Zero revolutions spins at rpm until told otherwise.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}

	if revolutions == 0 {
		return m.SetRPM(ctx, rpm, extra)
	}

	steps := uint64(math.Round(math.Abs(revolutions) * float64(m.ticksPerRotation)))
	if steps == 0 {
		return nil
	}

	dir := sequencer.Forward
	if math.Signbit(rpm) != math.Signbit(revolutions) {
		dir = sequencer.Reverse
	}

	ctx, done := m.opMgr.New(ctx)
	defer done()

	run := m.gov.Start(dir, m.rpmToDelay(rpm), steps)
	pct := math.Min(1, math.Abs(rpm)/m.maxRPM)
	if dir == sequencer.Reverse {
		pct = -pct
	}
	m.setPowerPct(pct)

	err = m.opMgr.WaitForSuccess(
		ctx,
		time.Millisecond*10,
		func(ctx context.Context) (bool, error) {
			st := m.gov.Status()
			return !st.Running || st.Run != run, nil
		},
	)
	if err != nil {
		return multierr.Combine(
			errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName),
			m.gov.StopRun(context.Background(), run),
		)
	}
	return nil
}

// GoTo moves to the specified position in revolutions from home/zero at a specific speed.
// Regardless of the directionality of the RPM this function will move the motor towards the
// specified target.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	delta := positionRevolutions - curPos
	if math.Abs(delta*float64(m.ticksPerRotation)) < 0.5 {
		return nil
	}
	return m.GoFor(ctx, math.Abs(rpm), delta, extra)
}

// ResetZeroPosition sets the current position of the motor specified by the request
// (adjusted by a given offset) to be its new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	if m.gov.Status().Running {
		return errors.Errorf("can't zero motor (%s) while moving", m.motorName)
	}
	m.gov.ResetPosition(int64(math.Round(offset * float64(m.ticksPerRotation))))
	return nil
}

// IsPowered returns true if the motor is currently running, along with the last power set.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	if !m.gov.Status().Running {
		return false, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return true, m.powerPct, nil
}

// IsMoving returns true if the motor is currently moving.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	return m.gov.Status().Running, nil
}

// Stop stops the motor and de-energizes its coils.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.setPowerPct(0)
	return errors.Wrapf(m.gov.Stop(ctx), "error in Stop from motor (%s)", m.motorName)
}

// Close stops the web control page and the step loop, leaving the coils de-energized.
func (m *Motor) Close(ctx context.Context) error {
	m.opMgr.CancelRunning(ctx)
	var err error
	if m.web != nil {
		err = m.web.Close(ctx)
	}
	m.workers.Stop()
	return multierr.Combine(err, m.gov.Stop(ctx))
}

// DoCommand() related constants.
const (
	Command   = "command"
	Status    = "status"
	SpeedVal  = command.SpeedParam
	StepsVal  = command.StepsParam
	KindVal   = "kind"
	DelayVal  = "delay_ms"
	TargetVal = "target_steps"
)

// doCommandParam reads an optional numeric or string parameter.
func doCommandParam(cmd map[string]interface{}, key string) command.Param {
	v, ok := cmd[key]
	if !ok || v == nil {
		return command.Param{}
	}
	switch val := v.(type) {
	case string:
		return command.P(val)
	case float64:
		// 'f' keeps large counts out of exponent form.
		return command.P(strconv.FormatFloat(val, 'f', -1, 64))
	case float32:
		return command.P(strconv.FormatFloat(float64(val), 'f', -1, 32))
	case int:
		return command.P(strconv.Itoa(val))
	case int64:
		return command.P(strconv.FormatInt(val, 10))
	case uint64:
		return command.P(strconv.FormatUint(val, 10))
	default:
		return command.P(fmt.Sprint(v))
	}
}

// DoCommand executes additional commands beyond the Motor{} interface. The "cw", "ccw" and
// "stop" commands take the same speed and steps parameters as the web control page.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	name, ok := raw.(string)
	if !ok {
		return nil, errors.Errorf("%s value must be a string", Command)
	}
	switch name {
	case command.Clockwise, command.CounterClockwise, command.StopName:
		c := m.interp.Interpret(name, doCommandParam(cmd, SpeedVal), doCommandParam(cmd, StepsVal))
		if err := m.Apply(ctx, c); err != nil {
			return nil, err
		}
		resp := map[string]interface{}{KindVal: c.Kind.String()}
		if c.Kind != command.Stop {
			resp[SpeedVal] = c.SpeedPercent
			resp[StepsVal] = c.Steps
			resp[DelayVal] = c.Delay.Milliseconds()
		}
		return resp, nil
	case Status:
		st := m.gov.Status()
		return map[string]interface{}{
			"running":     st.Running,
			"direction":   st.Direction.String(),
			DelayVal:      st.Delay.Milliseconds(),
			TargetVal:     st.TargetSteps,
			"steps_taken": st.StepsTaken,
			"position":    float64(st.Position) / float64(m.ticksPerRotation),
		}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
