package console

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var (
	Red   = color.New(color.FgRed).SprintFunc()
	Green = color.New(color.FgGreen).SprintFunc()
	White = color.New(color.FgHiWhite).SprintFunc()
)

func Exit(code int, msg string, args ...interface{}) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}
