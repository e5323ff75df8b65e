package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/tinyland-inc/gagbot/pkg/logger"
)

// ErrAlreadyRegistered is returned when a message id already has a live
// subscription.
var ErrAlreadyRegistered = errors.New("message already has a pending subscription")

const subscriptionBuffer = 16

// ReactionBus routes gateway reaction events to whoever is waiting on the
// reacted message. Each message id has at most one subscriber.
type ReactionBus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func NewReactionBus() *ReactionBus {
	return &ReactionBus{subs: make(map[string]*Subscription)}
}

// Subscription receives reactions for one message until Cancel is called.
// C is never closed.
type Subscription struct {
	C         <-chan Reaction
	ch        chan Reaction
	messageID string
	bus       *ReactionBus
	once      sync.Once
}

// Register starts collecting reactions on messageID. Register before
// adding reactions to the message so none are missed.
func (b *ReactionBus) Register(messageID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[messageID]; ok {
		return nil, ErrAlreadyRegistered
	}
	ch := make(chan Reaction, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, messageID: messageID, bus: b}
	b.subs[messageID] = sub
	return sub, nil
}

// Publish hands r to the subscriber of r.MessageID. Reactions on messages
// nobody waits for are dropped, as are reactions arriving while the
// subscriber's buffer is full.
func (b *ReactionBus) Publish(ctx context.Context, r Reaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	sub, ok := b.subs[r.MessageID]
	if !ok {
		return nil
	}
	select {
	case sub.ch <- r:
	default:
		logger.WarnCF("bus", "Reaction dropped, subscriber buffer full", map[string]any{
			"message_id": r.MessageID,
			"user_id":    r.UserID,
		})
	}
	return nil
}

// Pending reports how many messages are being waited on.
func (b *ReactionBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscription. Later Register and Publish calls fail
// with ErrBusClosed.
func (b *ReactionBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subs)
}

// MessageID is the message this subscription listens on.
func (s *Subscription) MessageID() string { return s.messageID }

// Cancel releases the message id. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.bus.subs[s.messageID] == s {
			delete(s.bus.subs, s.messageID)
		}
	})
}
