package main

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mklimuk/magsense/cmd/magsense/console"
)

func TestExitCode(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	log.SetFlags(0)
	defer log.SetFlags(log.LstdFlags)

	tests := []struct {
		name string
		err  error
		code int
		logs int
	}{
		{name: "success", err: nil, code: 0, logs: 0},
		{name: "exit coder", err: console.Exit(2, "self-test out of range"), code: 2, logs: 1},
		{name: "plain error", err: errors.New("boom"), code: 1, logs: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			assert.Equal(t, tt.code, exitCode(tt.err))
			assert.Equal(t, tt.logs, strings.Count(buf.String(), "unexpected error"))
		})
	}
}
