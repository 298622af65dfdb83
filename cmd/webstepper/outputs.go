package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/viam-modules/webstepper/sequencer"
)

// periphOutputs drives the coil lines through periph.io. Pins are looked up by name, e.g.
// "GPIO2" for BCM 2 on a Raspberry Pi.
type periphOutputs struct {
	pins [4]gpio.PinOut
}

func newPeriphOutputs(names [4]string) (*periphOutputs, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize GPIO host")
	}
	o := &periphOutputs{}
	for i, name := range names {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, errors.Errorf("no GPIO pin named %q", name)
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, errors.Wrapf(err, "failed to configure %s as an output", name)
		}
		o.pins[i] = p
	}
	return o, nil
}

func (o *periphOutputs) Apply(ctx context.Context, p sequencer.Pattern) error {
	return multierr.Combine(
		o.pins[0].Out(gpio.Level(p[0])),
		o.pins[1].Out(gpio.Level(p[1])),
		o.pins[2].Out(gpio.Level(p[2])),
		o.pins[3].Out(gpio.Level(p[3])),
	)
}
