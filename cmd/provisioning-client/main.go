package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/medicam/agent/internal/lineclient"
	"github.com/medicam/agent/subsystems/provisioning"
	"go.viam.com/rdk/logging"
)

func main() {
	if !parseOpts() {
		return
	}

	// using the logger because it handily unwraps errors for us
	logger := logging.NewLogger("provisioning-client")
	if opts.Debug {
		logger.SetLevel(logging.DEBUG)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	if opts.Transport == transportBLE {
		err = btClient(ctx, logger)
	} else {
		err = lineClient(ctx, logger)
	}
	if err != nil {
		logger.Error(err)
	}
}

// lineClient dials once per command, so it works with one-shot sessions as well as keep-open ones.
func lineClient(ctx context.Context, logger logging.Logger) error {
	for _, cmd := range commands() {
		c, err := lineclient.Dial(ctx, logger, opts.Transport, opts.Address, opts.BaudRate)
		if err != nil {
			return err
		}
		resps, err := c.Do(ctx, cmd, opts.Timeout)
		printResponses(cmd, resps)
		if cerr := c.Close(); cerr != nil {
			logger.Debug(cerr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func printResponses(cmd provisioning.Command, resps []provisioning.Response) {
	for _, resp := range resps {
		out, err := json.Marshal(resp)
		if err != nil {
			out = []byte(err.Error())
		}
		fmt.Printf("%s: %s\n", cmd.Kind, out)
	}
}
