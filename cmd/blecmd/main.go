package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "blecmd"
	app.Usage = "schedule Bluetooth LE commands on nearby devices"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Load the configuration from `FILE`",
		},
		cli.BoolFlag{
			Name:  "simulate",
			Usage: "Use simulated devices instead of the system controller",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "Override the configured log level (debug, info, warn, error)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "Print the platform and the configuration in use",
			Action: infoCommand,
		},
		{
			Name:  "scan",
			Usage: "Scan for devices",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "duration, d",
					Usage: "Scan for `DURATION`, 0 uses the configured scan duration",
				},
				cli.StringFlag{
					Name:  "name",
					Usage: "Only report devices with this name",
				},
				cli.BoolFlag{
					Name:  "fuzzy",
					Usage: "Match names which contain --name",
				},
				cli.StringFlag{
					Name:  "service",
					Usage: "Only report devices advertising this service `UUID`",
				},
			},
			Action: scanCommand,
		},
		{
			Name:      "connect",
			Usage:     "Connect to a device and print its services",
			ArgsUsage: "ADDRESS",
			Action:    connectCommand,
		},
		{
			Name:      "read",
			Usage:     "Read a characteristic",
			ArgsUsage: "ADDRESS SERVICE CHARACTERISTIC",
			Action:    readCommand,
		},
		{
			Name:      "write",
			Usage:     "Write hex encoded data to a characteristic",
			ArgsUsage: "ADDRESS SERVICE CHARACTERISTIC HEX",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "no-response",
					Usage: "Write without response",
				},
			},
			Action: writeCommand,
		},
		{
			Name:      "watch",
			Usage:     "Print the notifications of a characteristic until interrupted",
			ArgsUsage: "ADDRESS SERVICE CHARACTERISTIC",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "duration, d",
					Usage: "Stop watching after `DURATION`",
				},
			},
			Action: watchCommand,
		},
		{
			Name:      "reconnect",
			Usage:     "Keep reconnecting to a device until interrupted",
			ArgsUsage: "ADDRESS",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "keep-alive",
					Usage: "Reconnect again when the link is lost",
				},
				cli.IntFlag{
					Name:  "max-retries",
					Usage: "Give up after `N` failed attempts, 0 retries forever",
				},
			},
			Action: reconnectCommand,
		},
		{
			Name:  "advertise",
			Usage: "Advertise until interrupted",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "name",
					Usage: "Advertise the local `NAME`",
				},
				cli.StringSliceFlag{
					Name:  "service",
					Usage: "Advertise the service `UUID`, may be repeated",
				},
				cli.DurationFlag{
					Name:  "duration, d",
					Usage: "Stop advertising after `DURATION`",
				},
			},
			Action: advertiseCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "blecmd:", err)
		os.Exit(1)
	}
}
