package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mklimuk/magsense/adapter"
	"github.com/mklimuk/magsense/cmd/magsense/console"
	"github.com/mklimuk/magsense/i2c"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"
)

var usbCmd = cli.Command{
	Name:  "usb",
	Usage: "inspect HID devices",
	Subcommands: cli.Commands{
		&usbLsCmd,
		&usbDetectCmd,
	},
}

var usbLsCmd = cli.Command{
	Name: "ls",
	Action: func(c *cli.Context) error {
		// List all HID devices
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "PATH\tSERIAL\tVENDOR\tPRODUCT ID\tMANUFACTURER\tPRODUCT\n")

		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%s\t%s\n",
				dev.Path, dev.Serial, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		}
		_ = w.Flush()
		return nil
	},
}

var usbDetectCmd = cli.Command{
	Name:  "detect",
	Usage: "list connected USB to I2C adapters",
	Action: func(c *cli.Context) error {
		predefined := map[string][]uint16{
			"MCP2221": {adapter.VendorID, adapter.ProductID},
		}
		found := 0

		// List all HID devices
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "INDEX\tVENDOR\tPRODUCT\tDEVICE\n")

		for _, dev := range devices {
			for descName, codes := range predefined {
				if codes[0] == dev.VendorID && codes[1] == dev.ProductID {
					_, _ = fmt.Fprintf(w, "%d\t%#x\t%#x\t%s\n", found, dev.VendorID, dev.ProductID, descName)
					found++
				}
			}
		}
		_ = w.Flush()
		return nil
	},
}

var i2cCmd = cli.Command{
	Name:  "i2c",
	Usage: "host I2C buses usable with the generic adapter",
	Subcommands: cli.Commands{
		{
			Name: "ls",
			Action: func(c *cli.Context) error {
				names, err := i2c.Buses()
				if err != nil {
					return console.Exit(1, "host error: %s", console.Red(err))
				}
				for _, name := range names {
					console.Printf("%s\n", name)
				}
				return nil
			},
		},
	},
}
