package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus connects channels to the gateway: channels push onto
// Inbound, the gateway pushes onto Outbound and DispatchOutbound fans
// replies out to the subscribed channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// PublishOutbound queues msg, giving up when ctx is done.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	select {
	case b.Outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// DispatchOutbound delivers outbound messages in order until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.deliver(msg)
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	subs := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if len(subs) == 0 {
		log.Printf("[bus] no subscriber for channel %s, dropping message", msg.Channel)
		return
	}
	for _, fn := range subs {
		fn(msg)
	}
}
