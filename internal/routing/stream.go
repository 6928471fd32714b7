package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mindroute/gateway/internal/providers"
)

var (
	errMaxDuration = errors.New("stream exceeded its maximum duration")
	errIdle        = errors.New("stream idle timeout")
	errClosed      = errors.New("stream closed by consumer")
	errNoStream    = errors.New("adapter returned no stream")
)

// Event is one item delivered to the stream consumer. Exactly one event per
// stream has Done set and it is always the last. A failed stream carries Err
// and no usage on its terminal event.
type Event struct {
	Content string
	Done    bool
	Usage   *providers.Usage
	Err     *providers.ProviderError
}

// Outcome summarizes a finished stream for accounting. Usage holds whatever
// the upstream reported before the stream ended, even on failure.
type Outcome struct {
	Usage         providers.Usage
	UsageReported bool
	Chunks        int
	Err           *providers.ProviderError
}

// Stream relays upstream chunks to a single consumer.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	release  context.CancelFunc
	provider string
	upstream <-chan providers.StreamChunk
	idle     time.Duration

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// Owned by pump until done is closed.
	outcome Outcome
}

func newStream(
	parent context.Context,
	release context.CancelFunc,
	provider string,
	upstream <-chan providers.StreamChunk,
	idle time.Duration,
) *Stream {
	ctx, cancel := context.WithCancelCause(parent)
	return &Stream{
		ctx:      ctx,
		cancel:   cancel,
		release:  release,
		provider: provider,
		upstream: upstream,
		idle:     idle,
		events:   make(chan Event, 16),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Events returns the channel of relayed content followed by the terminal
// event. The channel is closed after the terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Close aborts the upstream connection. It is safe to call more than once
// and after the stream has finished.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel(errClosed)
	})
}

// Done is closed once the terminal event has been produced.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream has finished and returns its outcome.
func (s *Stream) Wait() Outcome {
	<-s.done
	return s.outcome
}

func (s *Stream) pump() {
	defer close(s.done)
	defer s.release()
	defer s.cancel(context.Canceled)

	idle := time.NewTimer(s.idle)
	defer idle.Stop()

	finished := false

	for {
		select {
		case chunk, ok := <-s.upstream:
			if !ok {
				if !finished {
					s.fail(providers.UpstreamError(s.provider, 0, "upstream closed the stream before completion"))
					return
				}
				s.succeed()
				return
			}
			if chunk.Err != nil {
				if s.ctx.Err() != nil {
					s.fail(s.contextError())
				} else {
					s.fail(providers.Normalize(s.provider, chunk.Err))
				}
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idle)

			if chunk.Usage != nil {
				s.addUsage(*chunk.Usage)
			}
			if chunk.FinishReason != "" {
				finished = true
			}
			if chunk.Content != "" {
				s.outcome.Chunks++
				if !s.emit(Event{Content: chunk.Content}) {
					s.fail(s.contextError())
					return
				}
			}

		case <-idle.C:
			s.cancel(errIdle)
			s.fail(s.contextError())
			return

		case <-s.ctx.Done():
			s.fail(s.contextError())
			return
		}
	}
}

// addUsage keeps the largest count seen per field, since upstreams report
// cumulative totals, sometimes more than once.
func (s *Stream) addUsage(u providers.Usage) {
	s.outcome.Usage.InputTokens = max(s.outcome.Usage.InputTokens, u.InputTokens)
	s.outcome.Usage.OutputTokens = max(s.outcome.Usage.OutputTokens, u.OutputTokens)
	s.outcome.UsageReported = true
}

func (s *Stream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) succeed() {
	ev := Event{Done: true}
	if s.outcome.UsageReported {
		u := s.outcome.Usage
		ev.Usage = &u
	}
	s.terminate(ev)
}

func (s *Stream) fail(pe *providers.ProviderError) {
	s.outcome.Err = pe
	s.terminate(Event{Done: true, Err: pe})
}

// terminate delivers the terminal event unless the consumer has gone away,
// then closes the event channel.
func (s *Stream) terminate(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
	close(s.events)
}

func (s *Stream) contextError() *providers.ProviderError {
	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, errIdle):
		return providers.TimeoutError(s.provider, "upstream stream idle timeout", cause)
	case errors.Is(cause, errMaxDuration):
		return providers.TimeoutError(s.provider, "stream exceeded maximum duration", cause)
	case errors.Is(cause, errClosed):
		return providers.CanceledError(s.provider, cause)
	case cause == nil:
		return providers.CanceledError(s.provider, context.Canceled)
	}
	return providers.Normalize(s.provider, cause)
}
