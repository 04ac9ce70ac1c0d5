package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"doclock/pkg/concurrency"
	"doclock/pkg/config"
)

var stressModes = []concurrency.LockMode{concurrency.ModeIS, concurrency.ModeIX, concurrency.ModeS, concurrency.ModeX}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers  int
	ops      int
	dbs      int
	colls    int
	timeout  time.Duration
	maxDelay time.Duration
	seed     uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run a random hierarchical workload against an in-process lock manager"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return "stress [-n <workers>] [-ops <count>] [-dbs <count>] [-colls <count>] [-timeout <d>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "n", 8, "number of lockers")
	f.IntVar(&s.ops, "ops", 200, "operations per locker")
	f.IntVar(&s.dbs, "dbs", 2, "number of databases")
	f.IntVar(&s.colls, "colls", 4, "collections per database")
	f.DurationVar(&s.timeout, "timeout", 50*time.Millisecond, "lock timeout")
	f.DurationVar(&s.maxDelay, "max-delay", 2*time.Millisecond, "longest time a lock is held")
	f.Uint64Var(&s.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
}

type stressStats struct {
	granted   atomic.Int64
	deadlocks atomic.Int64
	timeouts  atomic.Int64
	snapshots atomic.Int64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	logger := args[1].(*zerolog.Logger)
	if s.workers <= 0 || s.ops <= 0 || s.dbs <= 0 || s.colls <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	lm := newLockManager(conf, *logger)
	stats, err := s.run(ctx, lm, lockerOptions(conf))
	fmt.Printf("granted=%d deadlocks=%d timeouts=%d snapshots=%d\n",
		stats.granted.Load(), stats.deadlocks.Load(), stats.timeouts.Load(), stats.snapshots.Load())
	if err != nil {
		logger.Error().Err(err).Uint64("seed", s.seed).Msg("stress run failed")
		return subcommands.ExitFailure
	}
	if left := lm.Snapshot(); len(left) != 0 {
		logger.Error().Int("resources", len(left)).Msg("locks left behind after every locker released")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *Stress) run(ctx context.Context, lm *concurrency.LockManager, opts []concurrency.LockerOption) (*stressStats, error) {
	stats := &stressStats{}
	opts = append(opts, concurrency.WithLockTimeout(s.timeout))

	workers, wctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		rng := rand.New(rand.NewPCG(s.seed, uint64(i)))
		locker := concurrency.NewLocker(lm, uuid.New(), opts...)
		workers.Go(func() error {
			defer locker.UnlockAll()
			for op := 0; op < s.ops && wctx.Err() == nil; op++ {
				if err := s.step(wctx, locker, rng, stats); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Verify the lock table while the workers run.
	verifyCtx, stopVerify := context.WithCancel(ctx)
	verifier := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-verifyCtx.Done():
				verifier <- nil
				return
			case <-ticker.C:
				stats.snapshots.Add(1)
				if err := concurrency.VerifySnapshot(lm.Snapshot()); err != nil {
					verifier <- err
					return
				}
			}
		}
	}()

	err := workers.Wait()
	stopVerify()
	return stats, errors.Join(err, <-verifier)
}

// step takes one or two collections, sometimes in reverse order, holds them
// briefly and releases everything.
func (s *Stress) step(ctx context.Context, locker *concurrency.Locker, rng *rand.Rand, stats *stressStats) error {
	var stacks []*concurrency.LockStack
	defer func() {
		for i := len(stacks) - 1; i >= 0; i-- {
			stacks[i].Release()
		}
	}()

	db := rng.IntN(s.dbs)
	for n := 1 + rng.IntN(2); n > 0; n-- {
		var (
			stack *concurrency.LockStack
			err   error
		)
		mode := stressModes[rng.IntN(len(stressModes))]
		switch rng.IntN(20) {
		case 0:
			stack, err = locker.LockGlobal(ctx, concurrency.ModeS)
		case 1, 2:
			stack, err = locker.LockDatabase(ctx, fmt.Sprintf("db%d", db), mode)
		default:
			ns := fmt.Sprintf("db%d.c%d", db, rng.IntN(s.colls))
			stack, err = locker.LockCollection(ctx, ns, mode)
		}
		switch {
		case err == nil:
			stats.granted.Add(1)
			stacks = append(stacks, stack)
		case errors.Is(err, concurrency.ErrDeadlock):
			stats.deadlocks.Add(1)
			return nil
		case errors.Is(err, concurrency.ErrLockTimeout):
			stats.timeouts.Add(1)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
	if s.maxDelay > 0 {
		time.Sleep(time.Duration(rng.Int64N(int64(s.maxDelay))))
	}
	return nil
}
