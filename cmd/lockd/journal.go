package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"

	"doclock/pkg/config"
	"doclock/pkg/journal"
)

// JournalTail implements subcommands.Command for the "journal" command.
type JournalTail struct {
	path  string
	count int
}

// Name implements subcommands.Command.Name.
func (*JournalTail) Name() string {
	return "journal"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*JournalTail) Synopsis() string {
	return "print the last events of a lock journal"
}

// Usage implements subcommands.Command.Usage.
func (*JournalTail) Usage() string {
	return "journal [-f <path>] [-n <count>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (jt *JournalTail) SetFlags(f *flag.FlagSet) {
	f.StringVar(&jt.path, "f", "", "journal file, defaults to journal.path")
	f.IntVar(&jt.count, "n", 20, "number of events to print")
}

// Execute implements subcommands.Command.Execute.
func (jt *JournalTail) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	logger := args[1].(*zerolog.Logger)
	if jt.count <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := jt.path
	if path == "" {
		path = conf.Journal.Path
	}
	events, err := journal.Tail(path, jt.count)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("cannot read journal")
		return subcommands.ExitFailure
	}
	for _, ev := range events {
		fmt.Printf("%s %-10s locker=%d client=%s %s %s\n",
			ev.Time.Format(time.DateTime), ev.Event, ev.Locker, ev.Client, ev.Resource, ev.Mode)
	}
	return subcommands.ExitSuccess
}
