package main

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/magsense/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "magsense"
	app.EnableBashCompletion = true
	app.Version = config.BuildInfo()
	app.Usage = "HMC5883L compass cli"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		&cli.BoolFlag{
			Name:  "dump-frames",
			Usage: "log every USB frame exchanged with the adapter (requires --verbose)",
		},
		&cli.StringFlag{
			Name:    "profile",
			Aliases: []string{"p"},
			Usage:   "yaml profile describing the connection and sensor settings",
			EnvVars: []string{"MAGSENSE_PROFILE"},
		},
		&cli.StringFlag{
			Name:    "adapter",
			Aliases: []string{"a"},
			Usage:   "bus adapter: mcp2221, generic, nanopi or embd",
			Value:   config.AdapterMCP2221,
		},
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"d"},
			Usage:   "i2c device of the generic adapter",
			Value:   "/dev/i2c-1",
		},
		&cli.IntFlag{
			Name:  "bus",
			Usage: "i2c bus number of the nanopi and embd adapters",
			Value: 1,
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = cli.Commands{
		&compassCmd,
		&usbCmd,
		&i2cCmd,
		&mcp2221Cmd,
	}
	return exitCode(app.Run(os.Args))
}

// exitCode logs a failed run once and maps it to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	log.Printf("unexpected error: %v", err)
	var exerr cli.ExitCoder
	if errors.As(err, &exerr) {
		return exerr.ExitCode()
	}
	return 1
}
