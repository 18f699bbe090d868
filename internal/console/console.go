// Package console is the daemon's interactive stdin surface: single-letter
// commands for reload, stop, quit and help.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"kiruna/internal/logger"
	"kiruna/internal/supervisor"
)

const helpText = `kiruna keys:
  r  reload the configuration
  s  stop all services
  q  quit (Ctrl-C works too)
  h  this help`

// Run consumes in line by line until it closes or ctx ends. quit is called
// on the quit key.
func Run(ctx context.Context, in io.Reader, sup *supervisor.Supervisor, quit func()) {
	fmt.Println(helpText)

	reader := bufio.NewReader(in)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch strings.TrimSpace(line) {
		case "r":
			sup.OnConfigChange()
		case "s":
			logger.Info("Stopping all services")
			sup.StopAll(ctx)
		case "q":
			quit()
			return
		case "h", "":
			fmt.Println(helpText)
		default:
			fmt.Println("Unknown key, h for help")
		}
	}
}
