package poll

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"conversation-realtime/pkg/realtime"
)

// ErrAlreadyPolling is returned when a conversation already has a poller.
var ErrAlreadyPolling = errors.New("conversation is already being polled")

// Engine owns one independent Poller per active conversation.
type Engine struct {
	fetcher Fetcher
	decoder Decoder
	cfg     Config
	metrics Metrics
	logger  *slog.Logger

	// test hooks, copied into every new poller when set
	afterFunc func(time.Duration, func()) timer
	jitter    func() float64

	mu      sync.Mutex
	pollers map[string]*Poller
}

// New creates a new poll engine.
func New(fetcher Fetcher, decoder Decoder, cfg Config, metrics Metrics, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TypingKey == "" {
		cfg.TypingKey = realtime.TypingSentinelKey
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Engine{
		fetcher: fetcher,
		decoder: decoder,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		pollers: make(map[string]*Poller),
	}, nil
}

// StartPolling begins the poll cycle for a conversation. The first fetch is
// issued right away.
func (e *Engine) StartPolling(conv realtime.Conversation, opts Options) error {
	if conv.ID == "" {
		return errors.New("conversation id required")
	}

	e.mu.Lock()
	if _, ok := e.pollers[conv.ID]; ok {
		e.mu.Unlock()
		return ErrAlreadyPolling
	}
	p := newPoller(conv, e.cfg, e.fetcher, e.decoder, opts, e.metrics, e.logger)
	if e.afterFunc != nil {
		p.afterFunc = e.afterFunc
	}
	if e.jitter != nil {
		p.jitter = e.jitter
	}
	e.pollers[conv.ID] = p
	active := len(e.pollers)
	e.mu.Unlock()

	e.metrics.SetActivePollers(active)
	e.logger.Info("Polling started", "conversation_id", conv.ID, "spot_id", conv.SpotID, "post_id", conv.PostID)
	return p.start()
}

// StopPolling stops and forgets the poller of a conversation. Unknown ids are ignored.
func (e *Engine) StopPolling(id string) {
	e.mu.Lock()
	p, ok := e.pollers[id]
	delete(e.pollers, id)
	active := len(e.pollers)
	e.mu.Unlock()

	if !ok {
		return
	}
	p.Stop()
	e.metrics.SetActivePollers(active)
	e.logger.Info("Polling stopped", "conversation_id", id)
}

// StopAll stops every poller.
func (e *Engine) StopAll() {
	e.mu.Lock()
	pollers := e.pollers
	e.pollers = make(map[string]*Poller)
	e.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	e.metrics.SetActivePollers(0)
	e.logger.Info("All pollers stopped", "count", len(pollers))
}

// CurrentCounters returns the counters of the last successful poll, or the
// defaults when the conversation is not polled or has no data yet.
func (e *Engine) CurrentCounters(id string) realtime.Counters {
	p := e.poller(id)
	if p == nil {
		return realtime.DefaultCounters()
	}
	return p.Counters()
}

// State returns the cycle state of a conversation.
func (e *Engine) State(id string) (State, bool) {
	p := e.poller(id)
	if p == nil {
		return StateIdle, false
	}
	return p.State(), true
}

// Active returns the ids of all polled conversations, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pollers))
	for id := range e.pollers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	slices.Sort(ids)
	return ids
}

func (e *Engine) poller(id string) *Poller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollers[id]
}

type nopMetrics struct{}

func (nopMetrics) ObservePoll(string, time.Duration) {}
func (nopMetrics) AddMergedComments(int)             {}
func (nopMetrics) SetActivePollers(int)              {}
