package main

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/internal/serde"
	"github.com/bluetuith-org/blecommand/reconnect"
	"github.com/google/uuid"
	"github.com/urfave/cli"
)

// readResult is the output of the read command.
type readResult struct {
	Hex   string `json:"hex"`
	Bytes []byte `json:"bytes"`
}

// infoResult is the output of the info command.
type infoResult struct {
	Platform any `json:"platform"`
	Config   any `json:"config"`
}

// action wraps a command action with the setup and teardown of the
// environment.
func action(fn func(c *cli.Context, env *environment) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		env, err := setup(c)
		if err != nil {
			return err
		}
		defer env.close()

		return fn(c, env)
	}
}

var infoCommand = action(func(_ *cli.Context, env *environment) error {
	env.print(serde.MarshalJson(infoResult{
		Platform: env.info,
		Config:   env.cfg,
	}))

	return nil
})

var scanCommand = action(func(c *cli.Context, env *environment) error {
	filter := bluetooth.ScanFilter{
		Name:      c.String("name"),
		FuzzyName: c.Bool("fuzzy"),
	}

	if service := c.String("service"); service != "" {
		id, err := uuid.Parse(service)
		if err != nil {
			return errorkinds.Wrap(errorkinds.ErrInvalidArgument, "scan", "", "Invalid service UUID")
		}

		filter.Service = id
	}

	duration := c.Duration("duration")
	if duration <= 0 {
		duration = env.cfg.ScanDuration
	}

	var devices []bluetooth.DeviceData

	scan := commands.NewStartScan(filter, duration, inline)
	scan.OnDevice(func(device bluetooth.DeviceData) {
		env.printEvent(bluetooth.EventDeviceFound, device)
	})
	scan.OnResult(func(found []bluetooth.DeviceData) {
		devices = found
	})

	env.manager.Do(env.ctx, scan)

	return env.printResult(scan, devices)
})

var connectCommand = action(func(c *cli.Context, env *environment) error {
	address, err := addressArg(c, 0)
	if err != nil {
		return err
	}

	connect := commands.NewConnect(address, inline)
	env.manager.Do(env.ctx, connect)

	return env.printResult(connect, env.manager.Services(address))
})

var readCommand = action(func(c *cli.Context, env *environment) error {
	address, target, err := targetArgs(c)
	if err != nil {
		return err
	}

	var result readResult

	read := commands.NewRead(address, target, inline)
	read.OnResult(func(data []byte) {
		result = readResult{Hex: hex.EncodeToString(data), Bytes: data}
	})

	env.manager.Do(env.ctx, commands.NewComposite(1, []commands.Command{
		commands.NewConnect(address, inline),
		read,
	}, inline))

	return env.printResult(read, result)
})

var writeCommand = action(func(c *cli.Context, env *environment) error {
	address, target, err := targetArgs(c)
	if err != nil {
		return err
	}

	data, err := hex.DecodeString(c.Args().Get(3))
	if err != nil || len(data) == 0 {
		return errorkinds.Wrap(errorkinds.ErrInvalidArgument, "write", address.String(), "The data must be a non-empty hex string")
	}

	write := commands.NewWrite(address, target, data, inline)
	if c.Bool("no-response") {
		write.WithoutResponse()
	}

	env.manager.Do(env.ctx, commands.NewComposite(1, []commands.Command{
		commands.NewConnect(address, inline),
		write,
	}, inline))

	return env.printResult(write, nil)
})

var watchCommand = action(func(c *cli.Context, env *environment) error {
	address, target, err := targetArgs(c)
	if err != nil {
		return err
	}

	subscribe := commands.NewSubscribe(address, target, true, inline)
	subscribe.OnNotification(func(data []byte) {
		env.printEvent(bluetooth.EventNotification, bluetooth.NotificationEvent{
			Address:        address,
			Characteristic: target.Characteristic,
			Data:           data,
		})
	})

	env.manager.Do(env.ctx, commands.NewComposite(1, []commands.Command{
		commands.NewConnect(address, inline),
		subscribe,
	}, inline))

	if err := env.printResult(subscribe, nil); err != nil {
		return err
	}

	env.wait(c.Duration("duration"))

	return nil
})

var reconnectCommand = action(func(c *cli.Context, env *environment) error {
	address, err := addressArg(c, 0)
	if err != nil {
		return err
	}

	events := env.manager.Events().Subscribe(bluetooth.EventConnection)
	defer events.Unsubscribe()

	go func() {
		for data := range events.C {
			if ev, ok := data.(bluetooth.ConnectionEvent); ok && ev.Address == address {
				env.printEvent(bluetooth.EventConnection, ev)
			}
		}
	}()

	opts := []reconnect.Option{
		reconnect.OnConnected(func() {
			env.log.Info("Connected", logger.F("address", address.String()))
		}),
		reconnect.OnDisconnected(func(err error) {
			env.log.Warn("Attempt failed", logger.F("address", address.String()), logger.Err(err))
		}),
	}
	if c.Bool("keep-alive") {
		opts = append(opts, reconnect.KeepAlive())
	}
	if n := c.Int("max-retries"); n > 0 {
		opts = append(opts, reconnect.MaxRetries(uint64(n)))
	}

	stop, err := env.manager.Reconnect(address, opts...)
	if err != nil {
		return err
	}
	defer stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for env.manager.Reconnecting(address) {
		select {
		case <-env.ctx.Done():
			return nil

		case <-ticker.C:
		}
	}

	return nil
})

var advertiseCommand = action(func(c *cli.Context, env *environment) error {
	params := bluetooth.AdvertiseParams{
		LocalName:   c.String("name"),
		Connectable: true,
	}

	for _, service := range c.StringSlice("service") {
		id, err := uuid.Parse(service)
		if err != nil {
			return errorkinds.Wrap(errorkinds.ErrInvalidArgument, "advertise", "", "Invalid service UUID")
		}

		params.ServiceUUIDs = append(params.ServiceUUIDs, id)
	}

	start := commands.NewStartAdvertising(params, inline)
	env.manager.Do(env.ctx, start)

	if err := env.printResult(start, params); err != nil {
		return err
	}

	env.wait(c.Duration("duration"))

	// The tool may be interrupted already.
	stop := commands.NewStopAdvertising(inline)
	env.manager.Do(context.Background(), stop)

	return env.printResult(stop, nil)
})
