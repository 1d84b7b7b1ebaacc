package main

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/transport"
)

// errHostNotRunning is reported when nothing listens on the socket.
var errHostNotRunning = errors.New("termbridged is not running")

// request sends one command to the host and returns its response body.
// Error responses are returned as cli exit errors carrying the host's
// exit code.
func request(c *cli.Context, body ipc.CommandBody) (ipc.ResponseBody, error) {
	opts, err := optionsFrom(c)
	if err != nil {
		return nil, err
	}
	ctx, cancel := opts.context(c.Context)
	defer cancel()

	client, err := transport.Dial(ctx, opts.socket)
	if err != nil {
		return nil, dialError(opts.socket, err)
	}
	defer client.Close()

	resp, err := client.Request(ctx, body, opts.encoding)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("%s: %v", body.CommandKind(), err), 1)
	}
	if e, ok := resp.Body.(*ipc.ErrorResponse); ok {
		return nil, exitFromResponse(e)
	}
	if resp.Body == nil {
		return nil, cli.Exit(fmt.Sprintf("%s: empty response", body.CommandKind()), 1)
	}
	return resp.Body, nil
}

// run sends body and prints whatever comes back.
func run(c *cli.Context, body ipc.CommandBody) error {
	resp, err := request(c, body)
	if err != nil {
		return err
	}
	return printResponse(c, resp)
}

func exitFromResponse(e *ipc.ErrorResponse) cli.ExitCoder {
	code := 1
	if e.ExitCode != nil {
		code = int(*e.ExitCode)
	}
	if code == 0 {
		code = 1
	}
	return cli.Exit(e.Message, code)
}

func dialError(socket string, err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return cli.Exit(fmt.Sprintf("%v (socket %s)", errHostNotRunning, socket), 1)
	}
	return cli.Exit(err.Error(), 1)
}
