// Package history projects terminal call sessions into the call-history sink.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotTerminal = errors.New("record of a non-terminal session")

type Options struct {
	Buffer  int
	Timeout time.Duration
	// Retries is the number of extra Save attempts after a failure.
	Retries  int
	Backoff  time.Duration
	DedupTTL time.Duration
}

func (o *Options) withDefaults() {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = time.Hour
	}
}

// Projector writes one record per session from a single worker, in the
// order sessions ended. Project never blocks the caller.
type Projector struct {
	sink core.HistorySink
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	queue  chan domain.CallRecord
	seen   *cache.Expiring[domain.SessionID, struct{}]
	closed bool
	done   chan struct{}
}

func NewProjector(sink core.HistorySink, opts Options) *Projector {
	opts.withDefaults()
	return &Projector{
		sink:  sink,
		opts:  opts,
		log:   log.With().Str("module", "app.history").Logger(),
		queue: make(chan domain.CallRecord, opts.Buffer),
		seen:  cache.New[domain.SessionID, struct{}](opts.DedupTTL),
		done:  make(chan struct{}),
	}
}

func validate(rec domain.CallRecord) error {
	if !rec.State.IsTerminal() || rec.EndedAt == nil {
		return fmt.Errorf("session %s in %s: %w", rec.SessionID, rec.State, ErrNotTerminal)
	}
	return nil
}

// Project enqueues rec. Repeated records of one session are ignored.
func (p *Projector) Project(rec domain.CallRecord) {
	logger := p.log.With().Str("sid", string(rec.SessionID)).Str("chat", string(rec.ChatID)).Logger()
	if err := validate(rec); err != nil {
		logger.Error().Err(err).Msg("record rejected")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		logger.Warn().Msg("projector closed, record dropped")
		return
	}
	if !p.seen.Add(rec.SessionID, struct{}{}) {
		logger.Debug().Msg("duplicate record ignored")
		return
	}
	select {
	case p.queue <- rec:
	default:
		p.seen.Forget(rec.SessionID)
		logger.Error().Int("buffer", p.opts.Buffer).Msg("history queue full, record dropped")
	}
}

// Run is the worker loop. It returns after Close, or after ctx is done and
// the queued records were flushed.
func (p *Projector) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case rec, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.write(ctx, rec)
		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (p *Projector) drain(ctx context.Context) {
	for {
		select {
		case rec, ok := <-p.queue:
			if !ok {
				return
			}
			p.write(ctx, rec)
		default:
			return
		}
	}
}

func (p *Projector) write(ctx context.Context, rec domain.CallRecord) {
	logger := p.log.With().Str("sid", string(rec.SessionID)).Str("outcome", string(rec.Outcome)).Logger()
	var err error
	for attempt := 0; attempt <= p.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.opts.Backoff):
			case <-ctx.Done():
				logger.Error().Err(err).Msg("history write abandoned")
				return
			}
		}
		wctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		err = p.sink.Save(wctx, rec)
		cancel()
		if err == nil {
			logger.Info().Dur("duration", rec.Duration()).Msg("call recorded")
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("history write failed")
	}
	logger.Error().Err(err).Msg("history write gave up")
}

// Close stops accepting records and lets Run finish the queue.
func (p *Projector) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

// Done is closed when Run has returned.
func (p *Projector) Done() <-chan struct{} { return p.done }
