// Package main drives a four-phase stepper straight from host GPIO (e.g. a Raspberry Pi) and
// serves the web control page, without viam-server.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/webstepper/command"
	"github.com/viam-modules/webstepper/governor"
	"github.com/viam-modules/webstepper/webcontrol"
)

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,usage=path to JSON config file"`
	Debug      bool   `flag:"debug,usage=enable debug logging"`
}

// Pins names the host GPIO lines driving coils a through d.
type Pins struct {
	A string `json:"a"`
	B string `json:"b"`
	C string `json:"c"`
	D string `json:"d"`
}

// Config is read from the file given by -config. Unset fields keep their defaults.
type Config struct {
	Pins        Pins   `json:"pins"`
	MinDelayMs  int    `json:"min_delay_ms"`
	MaxDelayMs  int    `json:"max_delay_ms"`
	HTTPAddress string `json:"http_address"`
}

func defaultConfig() Config {
	return Config{
		Pins:        Pins{A: "GPIO2", B: "GPIO3", C: "GPIO4", D: "GPIO5"},
		MinDelayMs:  2,
		MaxDelayMs:  20,
		HTTPAddress: ":80",
	}
}

func (c Config) delays() command.DelayRange {
	return command.DelayRange{Min: c.MinDelayMs, Max: c.MaxDelayMs}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to read config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %q", path)
	}
	if err := cfg.delays().Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("webstepper"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg, err := loadConfig(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	out, err := newPeriphOutputs([4]string{cfg.Pins.A, cfg.Pins.B, cfg.Pins.C, cfg.Pins.D})
	if err != nil {
		return err
	}

	a, err := start(ctx, cfg, out, logger)
	if err != nil {
		return err
	}
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.Close(closeCtx)
}

// app is the running controller: one governor shared by the step loop and the web handler.
type app struct {
	gov     *governor.Governor
	web     *webcontrol.Server
	workers *utils.StoppableWorkers
}

func start(ctx context.Context, cfg Config, out governor.Outputs, logger logging.Logger) (*app, error) {
	interp, err := command.NewInterpreter(cfg.delays())
	if err != nil {
		return nil, err
	}
	gov, err := governor.New(out, cfg.delays(), logger)
	if err != nil {
		return nil, err
	}
	if err := gov.Stop(ctx); err != nil {
		return nil, err
	}

	web, err := webcontrol.Listen(cfg.HTTPAddress, webcontrol.NewHandler(interp, gov, logger), logger)
	if err != nil {
		return nil, err
	}
	workers := utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		governor.Run(ctx, gov, governor.DefaultIdle, logger)
	})
	return &app{gov: gov, web: web, workers: workers}, nil
}

// Close stops serving and stepping and de-energizes the coils.
func (a *app) Close(ctx context.Context) error {
	err := a.web.Close(ctx)
	a.workers.Stop()
	return multierr.Combine(err, a.gov.Stop(ctx))
}
