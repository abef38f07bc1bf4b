package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/magsense/adapter"
	"github.com/mklimuk/magsense/cmd/magsense/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "MCP2221 USB to I2C bridge",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "index", Value: -1, Usage: "adapter index as listed by usb detect"},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

func newAdapter(c *cli.Context) *adapter.MCP2221 {
	if index := c.Int("index"); index >= 0 {
		return adapter.NewMCP2221(adapter.WithDeviceIndex(index))
	}
	return adapter.NewMCP2221()
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		status, err := newAdapter(c).Status(commandContext(c))
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current I2C transfer and free the bus",
	Action: func(c *cli.Context) error {
		status, err := newAdapter(c).ReleaseBus(commandContext(c))
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "show GP pin settings and values",
	Action: func(c *cli.Context) error {
		ctx := commandContext(c)
		a := newAdapter(c)
		params, err := a.GetGPIOParameters(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		values, err := a.ReadGPIO(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(map[string]any{
			"parameters": params,
			"values":     values,
		})
	},
}
