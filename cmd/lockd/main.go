package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"doclock/pkg/concurrency"
	"doclock/pkg/config"
	"doclock/pkg/logging"
)

func newLockManager(conf *config.Config, logger zerolog.Logger) *concurrency.LockManager {
	return concurrency.NewLockManager(
		concurrency.WithBuckets(conf.LockManager.Buckets),
		concurrency.WithPartitions(conf.LockManager.Partitions),
		concurrency.WithLogger(logger),
	)
}

func lockerOptions(conf *config.Config) []concurrency.LockerOption {
	return []concurrency.LockerOption{
		concurrency.WithDeadlockDetection(conf.LockManager.DeadlockDetection),
		concurrency.WithPartitionedIntentLocks(conf.LockManager.PartitionIntentLocks),
		concurrency.WithLockTimeout(conf.LockManager.LockTimeout),
	}
}

func main() {
	configFile := flag.String("config", "", "path to a config file")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Serve), "")
	subcommands.Register(new(Client), "")
	subcommands.Register(new(Stress), "")
	subcommands.Register(new(JournalTail), "")

	flag.Parse()

	var opts []config.Option
	if *configFile != "" {
		opts = append(opts, config.WithConfigFile(*configFile))
	}
	conf, err := config.Load(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	logger, err := logging.NewFromConfig(conf.Log.Level, conf.Log.Console, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx, conf, &logger)
	stop()
	os.Exit(int(status))
}
