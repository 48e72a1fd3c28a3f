// Package obs implements the structured event hook: a non-blocking,
// batched emitter feeding one or more sinks.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so emitting never blocks the proxy hot path.
// If the channel fills up new events are dropped and counted.
package obs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one structured observability event.
type Event struct {
	ID      uuid.UUID
	Name    string
	Payload map[string]any
	Ts      time.Time
}

// Sink receives flushed event batches. Sinks must tolerate being called
// from a single background goroutine.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Emitter fans events out to all configured sinks.
type Emitter struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
	sinks   []Sink
}

// NewEmitter starts the background flush loop. log may be nil.
func NewEmitter(ctx context.Context, log *slog.Logger, sinks ...Sink) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	e := &Emitter{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
		sinks:   sinks,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit enqueues one event. Never blocks; over-full buffers drop.
func (e *Emitter) Emit(name string, payload map[string]any) {
	ev := Event{ID: uuid.New(), Name: name, Payload: payload, Ts: time.Now().UTC()}
	select {
	case e.ch <- ev:
	default:
		atomic.AddInt64(&e.dropped, 1)
	}
}

// Dropped returns how many events were discarded due to back-pressure.
func (e *Emitter) Dropped() int64 { return atomic.LoadInt64(&e.dropped) }

// Close drains the buffer and stops the flush goroutine.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
	return nil
}

func (e *Emitter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, sink := range e.sinks {
			if err := sink.Write(e.baseCtx, batch); err != nil {
				e.log.Warn("obs_sink_error", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-e.done:
			for {
				select {
				case ev := <-e.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes events through the structured logger.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) Write(ctx context.Context, events []Event) error {
	for _, ev := range events {
		s.Log.InfoContext(ctx, ev.Name,
			slog.String("event_id", ev.ID.String()),
			slog.Time("ts", ev.Ts),
			slog.Any("payload", ev.Payload),
		)
	}
	return nil
}
