package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/config"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/helpers/dispatch"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/internal/serde"
	"github.com/bluetuith-org/blecommand/manager"
	"github.com/bluetuith-org/blecommand/platform"
	"github.com/google/uuid"
	"github.com/urfave/cli"
)

// inline runs the callbacks of a command before it reports completion, so
// that a finished Do has already delivered the result.
var inline = commands.WithDispatcher(dispatch.Inline{})

// environment holds what every command of the tool needs.
type environment struct {
	ctx  context.Context
	stop context.CancelFunc

	cfg     config.Configuration
	log     logger.Logger
	adapter platform.Adapter
	info    platform.PlatformInfo
	manager *manager.Manager

	out io.Writer
	mu  sync.Mutex
}

func setup(c *cli.Context) (*environment, error) {
	cfg := config.New()
	if path := c.GlobalString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	}
	if level := c.GlobalString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	log := logger.NewConsole(cfg.Log.Service, cfg.Log.Level)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var (
		adapter platform.Adapter
		info    platform.PlatformInfo
	)

	if c.GlobalBool("simulate") {
		sim := simulatedAdapter()
		go simulateHeartRate(ctx, sim)

		adapter, info = platform.Simulated(sim)
	} else {
		var err error

		adapter, info, err = platform.NewAdapter(cfg, log)
		if err != nil {
			stop()
			return nil, err
		}
	}

	m, err := manager.New(adapter, manager.WithConfig(cfg), manager.WithLogger(log))
	if err != nil {
		stop()
		adapter.Stop()

		return nil, err
	}

	log.Debug("Ready", logger.F("os", info.OS), logger.F("stack", info.Stack.String()))

	return &environment{
		ctx:     ctx,
		stop:    stop,
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		info:    info,
		manager: m,
		out:     os.Stdout,
	}, nil
}

func (e *environment) close() {
	e.stop()

	if err := e.manager.Close(); err != nil {
		e.log.Warn("Closing the sessions failed", logger.Err(err))
	}
	if err := e.adapter.Stop(); err != nil {
		e.log.Warn("Stopping the adapter failed", logger.Err(err))
	}
}

func (e *environment) print(data []byte, err error) {
	if err != nil {
		e.log.Error("Cannot encode the output", logger.Err(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fmt.Fprintln(e.out, string(data))
}

func (e *environment) printEvent(id bluetooth.EventID, data any) {
	e.print(serde.MarshalEvent(id, data))
}

// printResult prints the outcome of a completed command and returns its
// error.
func (e *environment) printResult(cmd commands.Command, data any) error {
	e.print(serde.MarshalResult(cmd, data))

	return cmd.Err()
}

// wait blocks until the tool is interrupted or the duration elapsed. A zero
// duration waits for the interrupt only.
func (e *environment) wait(duration time.Duration) {
	ctx := e.ctx
	if duration > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	<-ctx.Done()
}

func addressArg(c *cli.Context, index int) (bluetooth.MacAddress, error) {
	if c.NArg() <= index {
		return bluetooth.NilAddress, errorkinds.Wrap(errorkinds.ErrInvalidArgument, c.Command.Name, "", "No device address was provided")
	}

	return bluetooth.ParseMAC(c.Args().Get(index))
}

func uuidArg(c *cli.Context, index int, name string) (uuid.UUID, error) {
	if c.NArg() <= index {
		return uuid.Nil, errorkinds.Wrap(errorkinds.ErrInvalidArgument, c.Command.Name, "", "No "+name+" UUID was provided")
	}

	id, err := uuid.Parse(c.Args().Get(index))
	if err != nil {
		return uuid.Nil, errorkinds.Wrap(errorkinds.ErrInvalidArgument, c.Command.Name, "", "Invalid "+name+" UUID")
	}

	return id, nil
}

// targetArgs parses the ADDRESS SERVICE CHARACTERISTIC arguments.
func targetArgs(c *cli.Context) (bluetooth.MacAddress, commands.Target, error) {
	var target commands.Target

	address, err := addressArg(c, 0)
	if err != nil {
		return address, target, err
	}

	if target.Service, err = uuidArg(c, 1, "service"); err != nil {
		return address, target, err
	}

	if target.Characteristic, err = uuidArg(c, 2, "characteristic"); err != nil {
		return address, target, err
	}

	return address, target, nil
}
