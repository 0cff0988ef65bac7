// Package poller is the fallback signal path: it re-checks vendor call status
// for sessions no webhook has settled, backing off exponentially, and
// force-terminates sessions that never resolve.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/internal/voiceagent"
	"reminder_calls_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

const (
	baseDelay = 15 * time.Second
	maxDelay  = 600 * time.Second

	defaultBatchSize   = 50
	defaultConcurrency = 5
	defaultItemTimeout = 30 * time.Second
	// Claimed sessions are hidden from other pollers for this long; a poll
	// that dies mid-flight is picked up again afterwards.
	defaultLease = 2 * time.Minute
)

// Backoff returns the delay before the next poll given how many polls were
// already made: 15s doubling per attempt, capped at 10 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 15s << 6 already exceeds the cap; stop shifting before overflow.
	if attempt >= 6 {
		return maxDelay
	}
	d := baseDelay << attempt
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// CallFetcher is the vendor call-status lookup.
type CallFetcher interface {
	GetCall(ctx context.Context, callID string) (voiceagent.CallDetail, error)
}

// Config tunes one poller.
type Config struct {
	BatchSize   int
	Concurrency int
	ItemTimeout time.Duration
	Lease       time.Duration
}

// Stats summarizes one tick.
type Stats struct {
	Claimed     int
	Settled     int
	Rescheduled int
	Failed      int
}

type Poller struct {
	svc    *sessions.Service
	store  sessions.Store
	vendor CallFetcher
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

func New(svc *sessions.Service, vendor CallFetcher, cfg Config, log *logger.Logger) *Poller {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Poller{
		svc:    svc,
		store:  svc.Store(),
		vendor: vendor,
		cfg:    cfg,
		log:    log.WithComponent("poller"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (p *Poller) SetClock(now func() time.Time) {
	p.now = now
}

// Tick polls one batch of due sessions. Items run with bounded concurrency;
// a failing item is logged and never affects its siblings.
func (p *Poller) Tick(ctx context.Context) (Stats, error) {
	now := p.now()
	due, err := p.store.ClaimDueForPoll(ctx, now, now.Add(p.cfg.Lease), p.cfg.BatchSize)
	if err != nil {
		p.log.Warn("claim due polls failed", "error", err)
		return Stats{}, err
	}
	if len(due) == 0 {
		return Stats{}, nil
	}

	var settled, rescheduled, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)

	for _, sess := range due {
		sess := sess // per-iteration copy (go directive < 1.22)
		g.Go(func() error {
			switch p.pollOne(ctx, sess) {
			case pollSettled:
				settled.Add(1)
			case pollRescheduled:
				rescheduled.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Claimed:     len(due),
		Settled:     int(settled.Load()),
		Rescheduled: int(rescheduled.Load()),
		Failed:      int(failed.Load()),
	}
	p.log.Debug("poll tick finished",
		"claimed", stats.Claimed, "settled", stats.Settled,
		"rescheduled", stats.Rescheduled, "failed", stats.Failed)
	return stats, nil
}

type pollResult int

const (
	pollFailed pollResult = iota
	pollSettled
	pollRescheduled
)

// pollOne runs detached from the loop context so shutdown lets it finish;
// ItemTimeout bounds it instead.
func (p *Poller) pollOne(ctx context.Context, sess sessions.Session) pollResult {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ItemTimeout)
	defer cancel()
	log := p.log.With("sessionId", sess.ID, "callId", sess.ExternalCallID, "pollAttempts", sess.PollAttempts)

	detail, err := p.vendor.GetCall(itemCtx, sess.ExternalCallID)
	if err != nil {
		log.Warn("vendor poll failed", "error", err, "transient", voiceagent.IsTransient(err))
		p.reschedule(itemCtx, sess, nil)
		return pollFailed
	}

	res, err := p.svc.Reconcile(itemCtx, sess, sessions.Report{
		Source:     outcome.SourcePoll,
		Signal:     detail.Signal(),
		ReceivedAt: p.now(),
	})
	if err != nil {
		// The claim lease re-arms this session for a later tick.
		log.Warn("reconcile poll failed", "error", err)
		return pollFailed
	}

	if res.Settled {
		log.Info("call settled by poll",
			"outcome", res.Determination.Outcome, "rule", res.Determination.Rule,
			"closed", res.Closed, "propagated", res.Propagated)
		return pollSettled
	}
	if !p.reschedule(itemCtx, sess, res.Payload) {
		return pollFailed
	}
	return pollRescheduled
}

func (p *Poller) reschedule(ctx context.Context, sess sessions.Session, payload []byte) bool {
	next := p.now().Add(Backoff(sess.PollAttempts))
	if err := p.store.ScheduleNextPoll(ctx, sess.ID, next, payload); err != nil {
		p.log.Warn("schedule next poll failed", "sessionId", sess.ID, "error", err)
		return false
	}
	return true
}
