// Package poll drives the real-time feed poll cycle for conversations and
// merges comment deltas into caller-owned state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"conversation-realtime/pkg/realtime"
	"conversation-realtime/snapshot"
)

// Fetcher retrieves one raw feed payload for a conversation.
type Fetcher interface {
	Fetch(ctx context.Context, conv realtime.Conversation) ([]byte, error)
}

// Decoder turns a raw payload into a snapshot.
type Decoder interface {
	Decode(data []byte) (*realtime.Snapshot, error)
}

// Metrics records poll cycle outcomes.
type Metrics interface {
	ObservePoll(outcome string, duration time.Duration)
	AddMergedComments(n int)
	SetActivePollers(n int)
}

// Poll outcomes reported to Metrics.
const (
	OutcomeOK             = "ok"
	OutcomeTransportError = "transport_error"
	OutcomeEnvelopeError  = "envelope_error"
	OutcomeDiscarded      = "discarded"
)

// TransportError wraps a failed fetch. It is reported through OnError only.
type TransportError struct {
	ConversationID string
	Err            error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.ConversationID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError checks if an error is a transport error.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// State is the poll cycle state of one conversation.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateMerging
	StateScheduled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateMerging:
		return "merging"
	case StateScheduled:
		return "scheduled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls intervals and backoff.
type Config struct {
	MinInterval     time.Duration // Floor for the server-directed interval
	MaxInterval     time.Duration // Ceiling for the server-directed interval
	DefaultInterval time.Duration // Assumed interval before the first successful poll
	MinBackoff      time.Duration // Floor for retry delays after failures
	MaxBackoff      time.Duration // Ceiling for retry delays after failures
	FetchTimeout    time.Duration // Deadline of a single fetch
	DriftWarn       time.Duration // Server clock drift that is worth a warning
	TypingKey       string        // Typing record that counts as "typing a new comment"
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinInterval:     5 * time.Second,
		MaxInterval:     5 * time.Minute,
		DefaultInterval: 30 * time.Second,
		MinBackoff:      time.Second,
		MaxBackoff:      time.Minute,
		FetchTimeout:    15 * time.Second,
		DriftWarn:       2 * time.Minute,
		TypingKey:       realtime.TypingSentinelKey,
	}
}

// Validate checks the relations between settings.
func (c Config) Validate() error {
	switch {
	case c.MinInterval <= 0:
		return errors.New("min interval must be positive")
	case c.MaxInterval < c.MinInterval:
		return errors.New("max interval must not be below min interval")
	case c.DefaultInterval < c.MinInterval || c.DefaultInterval > c.MaxInterval:
		return errors.New("default interval must be within min and max interval")
	case c.MinBackoff <= 0:
		return errors.New("min backoff must be positive")
	case c.MaxBackoff < c.MinBackoff:
		return errors.New("max backoff must not be below min backoff")
	case c.MinInterval < 2*c.MinBackoff:
		// retries must come strictly sooner than a successful poll would
		return errors.New("min interval must be at least twice the min backoff")
	case c.FetchTimeout <= 0:
		return errors.New("fetch timeout must be positive")
	}
	return nil
}

// Handlers receive the results of poll cycles.
type Handlers struct {
	OnCounters func(realtime.Counters)
	OnDelta    func([]*realtime.Comment)
	OnError    func(error)
}

// Options configure one conversation subscription.
type Options struct {
	Handlers

	List     CommentList  // Merge target; nil hands the de-duplicated delta to OnDelta only
	Order    Order        // Root comment order of List
	Executor func(func()) // Runs merges and handlers; nil runs them on the poll goroutine
}

type timer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Poller runs the poll cycle of a single conversation. At most one fetch is
// in flight at any time, so results are applied in the order fetches were issued.
type Poller struct {
	conv    realtime.Conversation
	cfg     Config
	fetcher Fetcher
	decoder Decoder
	opts    Options
	metrics Metrics
	logger  *slog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
	jitter    func() float64

	mu           sync.Mutex
	state        State
	cancel       context.CancelFunc
	timer        timer
	failures     int
	lastInterval time.Duration
	lastServer   time.Duration // unclamped server interval, zero when unknown
	nextFire     time.Time
	counters     realtime.Counters
}

func newPoller(conv realtime.Conversation, cfg Config, fetcher Fetcher, decoder Decoder, opts Options, metrics Metrics, logger *slog.Logger) *Poller {
	if opts.Executor == nil {
		opts.Executor = func(f func()) { f() }
	}
	return &Poller{
		conv:         conv,
		cfg:          cfg,
		fetcher:      fetcher,
		decoder:      decoder,
		opts:         opts,
		metrics:      metrics,
		logger:       logger.With("conversation_id", conv.ID),
		now:          time.Now,
		afterFunc:    afterFunc,
		jitter:       rand.Float64,
		state:        StateIdle,
		lastInterval: cfg.DefaultInterval,
		counters:     realtime.DefaultCounters(),
	}
}

// start fires the first poll. Only valid from Idle.
func (p *Poller) start() error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("poller for %s is %s", p.conv.ID, state)
	}
	p.state = StatePolling
	p.mu.Unlock()

	go p.poll()
	return nil
}

// Stop ends the cycle from any state without waiting. A fetch in flight is
// cancelled and its result, if it still arrives, is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return
	}
	p.state = StateStopped
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.logger.Debug("Poller stopped")
}

// State returns the current cycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// NextFire returns when the next poll is scheduled, zero if none is.
func (p *Poller) NextFire() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateScheduled {
		return time.Time{}
	}
	return p.nextFire
}

// Counters returns the counters derived from the last successful poll.
func (p *Poller) Counters() realtime.Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

func (p *Poller) stopped() bool {
	return p.State() == StateStopped
}

func (p *Poller) poll() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StatePolling
	p.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
	p.cancel = cancel
	p.mu.Unlock()

	started := p.now()
	body, err := p.fetcher.Fetch(ctx, p.conv)
	cancel()

	var snap *realtime.Snapshot
	outcome := OutcomeOK
	if err != nil {
		err = &TransportError{ConversationID: p.conv.ID, Err: err}
		outcome = OutcomeTransportError
	} else if snap, err = p.decoder.Decode(body); err != nil {
		outcome = OutcomeEnvelopeError
	}

	p.mu.Lock()
	p.cancel = nil
	if p.state == StateStopped {
		p.mu.Unlock()
		p.logger.Debug("Discarding response that arrived after stop")
		p.metrics.ObservePoll(OutcomeDiscarded, p.now().Sub(started))
		return
	}

	if err != nil {
		p.failures++
		delay := p.backoffLocked()
		p.scheduleLocked(delay)
		failures := p.failures
		p.mu.Unlock()

		p.metrics.ObservePoll(outcome, p.now().Sub(started))
		p.logger.Warn("Poll failed, retrying",
			"error", err,
			"consecutive_failures", failures,
			"retry_in", delay.String())
		p.dispatch(func() {
			if p.opts.OnError != nil {
				p.opts.OnError(err)
			}
		})
		return
	}

	p.failures = 0
	p.lastInterval = p.intervalFor(snap.NextFetch)
	p.lastServer = p.serverIntervalFor(snap.NextFetch)
	p.state = StateMerging
	counters := snap.Counters(p.conv.ID, p.cfg.TypingKey)
	p.counters = counters
	delta := snap.NewCommentsFor(p.conv.ID)
	p.mu.Unlock()

	p.metrics.ObservePoll(OutcomeOK, p.now().Sub(started))
	p.checkDrift(snap.Timestamp)

	p.dispatch(func() {
		inserted := Merge(p.opts.List, delta, p.opts.Order)
		if len(inserted) > 0 {
			p.metrics.AddMergedComments(len(inserted))
			if p.opts.OnDelta != nil {
				p.opts.OnDelta(inserted)
			}
		}
		if p.opts.OnCounters != nil {
			p.opts.OnCounters(counters)
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return
	}
	p.scheduleLocked(p.lastInterval)
	p.logger.Debug("Poll completed",
		"delta", len(delta),
		"total_comments", counters.Total,
		"next_poll_in", p.lastInterval.String())
}

// dispatch hands f to the caller's executor. A poller stopped in the meantime
// skips f when the executor gets to it.
func (p *Poller) dispatch(f func()) {
	p.opts.Executor(func() {
		if p.stopped() {
			return
		}
		f()
	})
}

func (p *Poller) scheduleLocked(d time.Duration) {
	p.state = StateScheduled
	p.nextFire = p.now().Add(d)
	p.timer = p.afterFunc(d, p.poll)
}

// intervalFor clamps the server-directed interval so a misbehaving server
// cannot force a tight loop.
func (p *Poller) intervalFor(nextFetch int64) time.Duration {
	if nextFetch > int64(p.cfg.MaxInterval/time.Second) {
		return p.cfg.MaxInterval
	}
	d := time.Duration(nextFetch) * time.Second
	if d < p.cfg.MinInterval {
		p.logger.Debug("Server interval below floor, clamping", "next_fetch", nextFetch, "min_interval", p.cfg.MinInterval.String())
		return p.cfg.MinInterval
	}
	return d
}

// serverIntervalFor returns the interval the server asked for, or zero when it
// is not positive or beyond MaxInterval.
func (p *Poller) serverIntervalFor(nextFetch int64) time.Duration {
	if nextFetch <= 0 || nextFetch > int64(p.cfg.MaxInterval/time.Second) {
		return 0
	}
	return time.Duration(nextFetch) * time.Second
}

// backoffLocked grows exponentially with the failure count, with jitter, and
// stays between MinBackoff and half of both the last interval and the
// server's own interval. MinBackoff wins when the server asks for less than
// twice of it.
func (p *Poller) backoffLocked() time.Duration {
	shift := min(p.failures-1, 16)
	base := p.cfg.MinBackoff << shift
	if base > p.cfg.MaxBackoff {
		base = p.cfg.MaxBackoff
	}

	d := base + time.Duration(p.jitter()*float64(base)/2)

	upper := min(p.lastInterval/2, p.cfg.MaxBackoff)
	if p.lastServer > 0 {
		upper = min(upper, p.lastServer/2)
	}
	if d > upper {
		d = upper
	}
	if d < p.cfg.MinBackoff {
		d = p.cfg.MinBackoff
	}
	return d
}

func (p *Poller) checkDrift(serverTimestamp int64) {
	if serverTimestamp <= 0 {
		return
	}
	drift := p.now().Sub(time.Unix(serverTimestamp, 0))
	if drift < 0 {
		drift = -drift
	}
	if p.cfg.DriftWarn > 0 && drift > p.cfg.DriftWarn {
		p.logger.Warn("Server clock drift", "drift", drift.String(), "server_timestamp", serverTimestamp)
		return
	}
	p.logger.Debug("Server clock drift", "drift", drift.String())
}

var _ Decoder = (*snapshot.Decoder)(nil)
