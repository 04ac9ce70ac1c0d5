package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"

	"doclock/pkg/config"
)

// Client implements subcommands.Command for the "client" command.
type Client struct {
	port int
}

// Name implements subcommands.Command.Name.
func (*Client) Name() string {
	return "client"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Client) Synopsis() string {
	return "connect a terminal to a running lock server"
}

// Usage implements subcommands.Command.Usage.
func (*Client) Usage() string {
	return "client [-p <port>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Client) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.port, "p", 0, "port number, defaults to server.port")
}

// Execute implements subcommands.Command.Execute. It copies stdin to the
// server and the server's output to stdout until either side closes.
func (c *Client) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	logger := args[1].(*zerolog.Logger)

	port := c.port
	if port == 0 {
		port = conf.Server.Port
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error().Err(err).Int("port", port).Msg("cannot connect")
		return subcommands.ExitFailure
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(os.Stdout, conn)
		close(done)
	}()
	go func() {
		io.Copy(conn, os.Stdin)
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return subcommands.ExitSuccess
}
