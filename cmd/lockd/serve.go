package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"doclock/pkg/concurrency"
	"doclock/pkg/config"
	"doclock/pkg/journal"
	"doclock/pkg/repl"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	port     int
	noPrompt bool
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run the lock server"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return "serve [-p <port>] [-no-prompt]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.port, "p", -1, "port number, overrides server.port")
	f.BoolVar(&s.noPrompt, "no-prompt", false, "do not print a prompt, overrides server.prompt")
}

// Execute implements subcommands.Command.Execute. It serves until ctx is
// cancelled.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	logger := args[1].(*zerolog.Logger)

	port := conf.Server.Port
	if s.port >= 0 {
		port = s.port
	}
	prompt := config.GetPrompt(conf.Server.Prompt && !s.noPrompt)

	opts := lockerOptions(conf)
	if conf.Journal.Enabled {
		j, err := journal.Open(conf.Journal.Path)
		if err != nil {
			logger.Error().Err(err).Str("path", conf.Journal.Path).Msg("cannot open journal")
			return subcommands.ExitFailure
		}
		defer j.Close()
		opts = append(opts, concurrency.WithEventLogger(j.Logger()))
	}
	registry := concurrency.NewLockerRegistry(newLockManager(conf, *logger), opts...)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error().Err(err).Int("port", port).Msg("cannot listen")
		return subcommands.ExitFailure
	}
	srv := newServer(registry, concurrency.LockREPL(registry), prompt, conf.LockManager.CleanupInterval, *logger)
	logger.Info().
		Str("name", config.DBName).
		Int("port", listener.Addr().(*net.TCPAddr).Port).
		Msg("server started")
	if err := srv.run(ctx, listener); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return subcommands.ExitFailure
	}
	logger.Info().Msg("server stopped")
	return subcommands.ExitSuccess
}

// server runs one REPL and one locker per connection.
type server struct {
	registry        *concurrency.LockerRegistry
	repl            *repl.REPL
	prompt          string
	cleanupInterval time.Duration
	logger          zerolog.Logger

	mtx   sync.Mutex
	conns map[net.Conn]struct{}
}

func newServer(registry *concurrency.LockerRegistry, r *repl.REPL, prompt string, cleanupInterval time.Duration, logger zerolog.Logger) *server {
	return &server{
		registry:        registry,
		repl:            r,
		prompt:          prompt,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		conns:           make(map[net.Conn]struct{}),
	}
}

// run accepts connections on listener until ctx is done, then closes the
// listener and every open connection and waits for their handlers.
func (s *server) run(ctx context.Context, listener net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		listener.Close()
		s.closeConns()
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := s.registry.GetLockManager().CleanupUnusedLocks(); n > 0 {
					s.logger.Debug().Int("removed", n).Msg("cleaned up unused locks")
				}
			}
		}
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
			if !s.track(conn) {
				conn.Close()
				return nil
			}
			g.Go(func() error {
				s.handleConn(ctx, conn)
				return nil
			})
		}
	})

	return g.Wait()
}

func (s *server) track(conn net.Conn) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *server) untrack(conn net.Conn) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.conns, conn)
}

func (s *server) closeConns() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// handleConn runs the REPL on a connection. Everything the client still holds
// is released when it disconnects or the server stops.
func (s *server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	clientId := uuid.New()
	if _, err := s.registry.Begin(clientId); err != nil {
		s.logger.Error().Err(err).Msg("cannot start locker")
		return
	}
	s.logger.Debug().Str("client", clientId.String()).Stringer("remote", conn.RemoteAddr()).Msg("client connected")
	defer func() {
		if err := s.registry.End(clientId); err != nil {
			s.logger.Error().Err(err).Str("client", clientId.String()).Msg("cannot end locker")
		}
		s.logger.Debug().Str("client", clientId.String()).Msg("client disconnected")
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.repl.Run(ctx, clientId, s.prompt, conn, conn)
}
