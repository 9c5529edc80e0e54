package evsync

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

// Config collects the options shared by the constructors of this package.
// Each constructor reads only the fields that concern it.
type Config struct {
	// logger receives lifecycle events at debug level, isolation
	// violations at warning level and protocol violations at error level.
	// A nil logger disables logging.
	logger *logiface.Logger[logiface.Event]

	// hook is invoked once per resumed waiter by a Dispatcher.
	hook ResumeHook

	// dispatcher receives the deferred wakes of interrupt-context advances.
	// If nil, constructors allocate a private one.
	dispatcher *Dispatcher

	// class is the optional hardware class behind a SlotPool.
	class HardwareClass

	// violationEvery and violationBurst bound how often OwnerMismatch is
	// logged by a SlotPool, across all owners.
	violationEvery time.Duration
	violationBurst int

	// ownerRates bound the OwnerMismatch log lines of each owner, so one
	// faulty driver cannot use up the shared budget.
	ownerRates map[time.Duration]int
}

// Option configures a Config.
type Option func(*Config)

const (
	defaultViolationEvery = time.Second
	defaultViolationBurst = 8
)

func newConfig(opts []Option) *Config {
	c := &Config{
		violationEvery: defaultViolationEvery,
		violationBurst: defaultViolationBurst,
		ownerRates: map[time.Duration]int{
			time.Second: 4,
			time.Minute: 30,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithLogger sets the structured logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithResumeHook installs the external resume hook. It is called from
// thread context only, once for every waiter that is made runnable, before
// that waiter is released.
func WithResumeHook(hook ResumeHook) Option {
	return func(c *Config) {
		c.hook = hook
	}
}

// WithDispatcher shares an existing Dispatcher instead of allocating one.
// Options that configure a dispatcher (WithResumeHook) are then ignored by
// the constructor, since d is already configured.
func WithDispatcher(d *Dispatcher) Option {
	return func(c *Config) {
		c.dispatcher = d
	}
}

// WithHardwareClass installs the hardware class collaborator behind a
// SlotPool. Without it, FaultedCount, Init and Free report NotPresent.
func WithHardwareClass(class HardwareClass) Option {
	return func(c *Config) {
		c.class = class
	}
}

// WithViolationLimit allows at most burst OwnerMismatch log lines, refilled
// at one per every. A non-positive every disables the limit.
func WithViolationLimit(every time.Duration, burst int) Option {
	return func(c *Config) {
		c.violationEvery = every
		c.violationBurst = burst
	}
}

// WithOwnerViolationRates sets the sliding windows limiting OwnerMismatch
// log lines per owner, for example {time.Second: 4, time.Minute: 30}.
// Shorter windows must not allow fewer events than longer ones.
// An empty map disables the per-owner limit.
func WithOwnerViolationRates(rates map[time.Duration]int) Option {
	return func(c *Config) {
		c.ownerRates = rates
	}
}

func (c *Config) ownerLimiter() *catrate.Limiter {
	if len(c.ownerRates) == 0 {
		return nil
	}
	return catrate.NewLimiter(c.ownerRates)
}

func (c *Config) violationLimiter() *rate.Limiter {
	if c.violationEvery <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.violationBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(c.violationEvery), burst)
}

// resolveDispatcher returns the shared dispatcher, or a new one configured
// from c.
func (c *Config) resolveDispatcher() *Dispatcher {
	if c.dispatcher != nil {
		return c.dispatcher
	}
	return &Dispatcher{hook: c.hook, logger: c.logger}
}
