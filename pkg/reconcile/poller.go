package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PollStatus is the result of a readiness wait. TimedOut is a value, not an
// error: the caller decides whether an expired deadline is fatal.
type PollStatus int

const (
	Ready PollStatus = iota
	TimedOut
)

func (s PollStatus) String() string {
	if s == Ready {
		return "ready"
	}
	return "timed_out"
}

// Probe observes a resource once. It returns whether the readiness
// predicate holds, plus the last few lines of remote diagnostic output to
// show the operator while waiting. A probe error is not fatal to the wait;
// the poller keeps trying until the deadline.
type Probe func(ctx context.Context) (ready bool, diagnostics []string, err error)

// Poller waits for a mutating deploy action to become observable.
type Poller struct {
	Interval time.Duration
	Deadline time.Duration
	logger   zerolog.Logger

	sleep sleeper
}

// NewPoller creates a poller with a fixed probe interval and an overall
// deadline measured from the start of the wait.
func NewPoller(interval, deadline time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		Interval: interval,
		Deadline: deadline,
		logger:   logger.With().Str("component", "Poller").Logger(),
		sleep:    sleepWithContext,
	}
}

// WaitUntilReady polls the probe at the configured interval until it
// reports ready or the deadline elapses. The first probe runs immediately,
// then once per interval. Every unsatisfied poll logs the probe's
// diagnostics so the operator can see why the resource is not ready.
func (p *Poller) WaitUntilReady(ctx context.Context, ref ResourceRef, probe Probe) (PollStatus, error) {
	start := time.Now()
	for {
		ready, diags, err := probe(ctx)
		switch {
		case err != nil && IsPermission(err):
			return TimedOut, err
		case err != nil:
			p.logger.Warn().Err(err).Str("resource", ref.String()).Msg("Readiness probe failed, will retry.")
		case ready:
			p.logger.Info().
				Str("resource", ref.String()).
				Dur("elapsed", time.Since(start)).
				Msg("Resource is ready.")
			return Ready, nil
		default:
			ev := p.logger.Info().Str("resource", ref.String())
			if len(diags) > 0 {
				ev = ev.Strs("remote_diagnostics", tail(diags, 5))
			}
			ev.Msg("Not ready yet, polling again...")
		}

		if err := p.sleep(ctx, p.Interval); err != nil {
			return TimedOut, err
		}
		if elapsed := time.Since(start); elapsed >= p.Deadline {
			p.logger.Warn().
				Str("resource", ref.String()).
				Dur("elapsed", elapsed).
				Msg("Readiness deadline elapsed.")
			return TimedOut, nil
		}
	}
}

// tail returns at most the last n lines of diagnostic output.
func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
