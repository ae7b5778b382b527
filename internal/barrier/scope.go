package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

// Scope owns the server-side filters and the local handler of one
// subscription set. Close must run on every exit path once OpenScope
// has returned a non-nil scope, including when it also returned an error.
type Scope struct {
	ch    channel.Channel
	setID string

	remove     func()
	registered bool

	closeOnce sync.Once
	closeErr  error
}

// OpenScope installs a handler that forwards only the events of setID to
// callback, then registers filters on the channel. The handler goes in
// first so that no event produced right after confirmation is lost.
func OpenScope(
	ctx context.Context,
	ch channel.Channel,
	setID string,
	filters []channel.Filter,
	callback func(channel.Event),
	registrationTimeout time.Duration,
) (*Scope, error) {
	if ch == nil {
		return nil, fmt.Errorf("notification channel is required")
	}
	if setID == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	if callback == nil {
		return nil, fmt.Errorf("event callback is required")
	}

	s := &Scope{ch: ch, setID: setID}
	s.remove = ch.AddHandler(func(msg channel.Message) {
		if !msg.FromSet(setID) {
			return
		}
		callback(msg.Event)
	})

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	if err := ch.RegisterFilters(regCtx, setID, filters); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(regCtx.Err(), context.DeadlineExceeded) {
			return s, fmt.Errorf("%w after %s: %w", domain.ErrRegistrationTimeout, registrationTimeout, err)
		}
		return s, fmt.Errorf("failed to register filters: %w", err)
	}

	s.registered = true
	return s, nil
}

// Registered reports whether the channel confirmed the filters.
func (s *Scope) Registered() bool {
	return s.registered
}

// Close removes the handler and, if registration was confirmed, clears the
// filters on the channel. Only the first call does any work; later calls
// return its result. Cleanup still runs when ctx is already canceled.
func (s *Scope) Close(ctx context.Context, teardownTimeout time.Duration) error {
	if s == nil {
		return nil
	}

	s.closeOnce.Do(func() {
		if s.remove != nil {
			s.remove()
		}
		if !s.registered {
			return
		}

		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()

		if err := s.ch.ClearFilters(clearCtx, s.setID); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(clearCtx.Err(), context.DeadlineExceeded) {
				s.closeErr = fmt.Errorf("%w after %s: %w", domain.ErrTeardownTimeout, teardownTimeout, err)
				return
			}
			s.closeErr = fmt.Errorf("failed to clear filters: %w", err)
		}
	})

	return s.closeErr
}
