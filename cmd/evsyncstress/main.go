// Command evsyncstress drives every evsync primitive at once, the way a
// kernel would: interrupt handlers advancing owned slots, a periodic
// dispatcher sweep, drivers blocking on several completion counters, and
// page wiring serialized by the exclusion lock. It exits non-zero if any
// invariant is broken.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/evsync"
	"github.com/llxisdsh/evsync/internal/zlog"
)

type config struct {
	base     uint
	slots    int
	owners   int
	events   int
	rogue    int
	wirers   int
	pages    int
	sweep    time.Duration
	capacity int64
	verbose  bool
}

func main() {
	var cfg config
	flag.UintVar(&cfg.base, "base", 0x101, "first absolute slot index")
	flag.IntVar(&cfg.slots, "slots", 32, "number of slots")
	flag.IntVar(&cfg.owners, "owners", 8, "number of unit drivers owning slots")
	flag.IntVar(&cfg.events, "events", 10000, "advances per slot")
	flag.IntVar(&cfg.rogue, "rogue", 1000, "advances attempted on slots the caller does not own")
	flag.IntVar(&cfg.wirers, "wirers", 4, "page wiring workers")
	flag.IntVar(&cfg.pages, "pages", 5000, "pages wired per worker")
	flag.DurationVar(&cfg.sweep, "sweep", time.Millisecond, "dispatcher sweep interval")
	flag.Int64Var(&cfg.capacity, "capacity", 256, "registration table capacity")
	flag.BoolVar(&cfg.verbose, "v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Concurrency stress for the evsync primitives.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := logiface.LevelInformational
	if cfg.verbose {
		level = logiface.LevelDebug
	}
	logger := zlog.Console(os.Stderr, level)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Err().Err(err).Log("stress failed")
		os.Exit(1)
	}
}

// units simulates the hardware class: it only tracks what was freed.
type units struct {
	freed atomic.Int64
}

func (u *units) Init() error              { return nil }
func (u *units) Free(evsync.OwnerID) error { u.freed.Add(1); return nil }
func (u *units) FaultedCount() int         { return 0 }

func run(ctx context.Context, cfg config, logger *logiface.Logger[logiface.Event]) error {
	if cfg.owners <= 0 || cfg.owners > cfg.slots {
		return fmt.Errorf("owners must be in [1, %d]", cfg.slots)
	}
	if uint64(cfg.base)+uint64(cfg.slots) > 1<<32 {
		return errors.New("slot range overflows index space")
	}

	var resumed atomic.Uint64
	class := &units{}
	disp := evsync.NewDispatcher(
		evsync.WithLogger(logger),
		evsync.WithResumeHook(func(uint64, bool) { resumed.Add(1) }),
	)
	pool := evsync.NewSlotPool(uint32(cfg.base), cfg.slots,
		evsync.WithDispatcher(disp),
		evsync.WithHardwareClass(class),
		evsync.WithLogger(logger),
	)
	if err := pool.Init(); err != nil {
		return err
	}
	owner := func(i int) evsync.OwnerID { return evsync.OwnerID(i%cfg.owners + 1) }
	index := func(i int) uint32 { return uint32(cfg.base) + uint32(i) }
	for i := range cfg.slots {
		if err := pool.Assign(index(i), owner(i)); err != nil {
			return err
		}
	}

	reg := evsync.NewRegistry(cfg.capacity, evsync.WithLogger(logger))
	lock := evsync.NewExclusionLock(evsync.WithLogger(logger), evsync.WithDispatcher(disp))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan error, 1)
	go func() { sweepDone <- disp.Run(sweepCtx, cfg.sweep) }()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	// interrupt handlers
	for o := 1; o <= cfg.owners; o++ {
		g.Go(func() error {
			for range cfg.events {
				for i := range cfg.slots {
					if owner(i) != evsync.OwnerID(o) {
						continue
					}
					if err := pool.Advance(evsync.OwnerID(o), index(i), true); err != nil {
						return fmt.Errorf("owner %d slot %#x: %w", o, index(i), err)
					}
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}

	// a faulty driver poking at slots it does not own
	g.Go(func() error {
		for n := range cfg.rogue {
			i := n % cfg.slots
			err := pool.Advance(owner(i)+evsync.OwnerID(cfg.owners), index(i), n%2 == 0)
			if !errors.Is(err, evsync.OwnerMismatch) {
				return fmt.Errorf("rogue advance on slot %#x: %v", index(i), err)
			}
		}
		return nil
	})

	// drivers blocking on all of their completion counters at once
	var wakeups atomic.Int64
	for o := 1; o <= cfg.owners; o++ {
		g.Go(func() error {
			var counters []*evsync.EventCounter
			for i := range cfg.slots {
				if owner(i) != evsync.OwnerID(o) {
					continue
				}
				c, err := pool.Counter(evsync.OwnerID(o), index(i))
				if err != nil {
					return err
				}
				counters = append(counters, c)
			}
			return drive(reg, counters, uint64(cfg.events), &wakeups)
		})
	}

	// page wiring
	var wired int64
	var inside atomic.Int32
	for w := range cfg.wirers {
		g.Go(func() error {
			for range cfg.pages {
				if w%2 == 0 {
					lock.Acquire()
				} else {
					for lock.TryAcquire() != nil {
						time.Sleep(time.Microsecond)
					}
				}
				if inside.Add(1) != 1 {
					return errors.New("exclusion lock admitted two holders")
				}
				wired++
				inside.Add(-1)
				// every third wirer releases as an interrupt handler would,
				// leaving the handoff for the sweep
				release := lock.Release
				if w%3 == 2 {
					release = lock.ReleaseDeferred
				}
				if err := release(); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	stopSweep()
	<-sweepDone
	if err != nil {
		return err
	}
	pool.Dispatch()

	var failures []error
	for i := range cfg.slots {
		v, err := pool.Read(owner(i), index(i))
		if err != nil {
			failures = append(failures, err)
		} else if v != uint64(cfg.events) {
			failures = append(failures, fmt.Errorf("slot %#x = %d, want %d", index(i), v, cfg.events))
		}
	}
	if got := pool.Violations(); got != uint64(cfg.rogue) {
		failures = append(failures, fmt.Errorf("violations = %d, want %d", got, cfg.rogue))
	}
	if want := int64(cfg.wirers * cfg.pages); wired != want {
		failures = append(failures, fmt.Errorf("wired pages = %d, want %d", wired, want))
	}
	if lock.IsLocked() {
		failures = append(failures, errors.New("exclusion lock still held"))
	}
	if n := reg.Outstanding(); n != 0 {
		failures = append(failures, fmt.Errorf("registry holds %d bindings", n))
	}
	if n := disp.Pending(); n != 0 {
		failures = append(failures, fmt.Errorf("dispatcher holds %d deferred wakes", n))
	}
	for o := 1; o <= cfg.owners; o++ {
		if err := pool.Free(evsync.OwnerID(o)); err != nil {
			failures = append(failures, err)
		}
	}

	logger.Info().
		Dur("elapsed", time.Since(start)).
		Uint64("resumed", resumed.Load()).
		Int64("wakeups", wakeups.Load()).
		Uint64("violations", pool.Violations()).
		Int64("wired", wired).
		Int64("freed", class.freed.Load()).
		Log("stress finished")
	return errors.Join(failures...)
}

// drive waits on every counter through one handle at a time until all of
// them reached final.
func drive(reg *evsync.Registry, counters []*evsync.EventCounter, final uint64, wakeups *atomic.Int64) error {
	for {
		// Capture targets before deciding to wait: an advance landing after
		// the capture satisfies its binding at registration.
		seen := make([]uint64, len(counters))
		done := true
		for i, c := range counters {
			seen[i] = c.Read()
			done = done && seen[i] >= final
		}
		if done {
			return nil
		}

		h := reg.NewHandle()
		var bound int
		for i, c := range counters {
			if seen[i] >= final {
				continue
			}
			_, err := h.RegisterAt(c, seen[i])
			if errors.Is(err, evsync.CapacityExceeded) {
				break
			}
			if err != nil {
				h.Close()
				return err
			}
			bound++
		}
		if bound == 0 {
			// Table full: shed load and retry.
			h.Close()
			time.Sleep(time.Millisecond)
			continue
		}
		if len(h.Wait()) == 0 {
			return errors.New("handle resolved with no satisfied binding")
		}
		wakeups.Add(1)
	}
}
