package gossip

import (
	"sync"
)

// inboxSize bounds each bus's pending deliveries. Delivery is best-effort;
// a full inbox drops the message.
const inboxSize = 64

// Transport carries messages between buses attached to the same channel
// name. The loopback transport covers tabs hosted in one process; an
// implementation over shared storage with notification can substitute for
// it as long as senders never receive their own messages back.
type Transport interface {
	Attach(channel string, b *Bus)
	Detach(channel string, b *Bus)
	Broadcast(channel string, from *Bus, msg Message)
}

// Bus is one tab's endpoint on a named channel. Handlers run sequentially
// on the bus's own dispatch goroutine, never on the sender's.
type Bus struct {
	channel   string
	tabID     string
	transport Transport

	mu       sync.Mutex
	handlers []func(Message)
	inbox    chan Message
	done     chan struct{}
	closed   bool
}

// NewBus attaches a new endpoint for tabID to the named channel.
func NewBus(channel, tabID string, transport Transport) *Bus {
	b := &Bus{
		channel:   channel,
		tabID:     tabID,
		transport: transport,
		inbox:     make(chan Message, inboxSize),
		done:      make(chan struct{}),
	}
	transport.Attach(channel, b)
	go b.dispatch()
	return b
}

// TabID returns the owning tab's ID.
func (b *Bus) TabID() string { return b.tabID }

// OnMessage registers a handler for delivered messages.
func (b *Bus) OnMessage(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Publish broadcasts a message to every peer on the channel. The sender
// never receives its own message back.
func (b *Bus) Publish(msg Message) {
	msg.TabID = b.tabID
	b.transport.Broadcast(b.channel, b, msg)
}

// deliver queues a message for the dispatch goroutine. Drops when the inbox
// is full.
func (b *Bus) deliver(msg Message) {
	select {
	case b.inbox <- msg:
	case <-b.done:
	default:
	}
}

func (b *Bus) dispatch() {
	for {
		select {
		case msg := <-b.inbox:
			b.mu.Lock()
			handlers := make([]func(Message), len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.Unlock()
			for _, fn := range handlers {
				fn(msg)
			}
		case <-b.done:
			return
		}
	}
}

// Close detaches the bus from its channel and stops dispatch.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.transport.Detach(b.channel, b)
	close(b.done)
}

// Loopback is the in-process transport: every bus attached under the same
// channel name sees every other bus's messages.
type Loopback struct {
	mu       sync.RWMutex
	channels map[string][]*Bus
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{channels: make(map[string][]*Bus)}
}

// Attach registers a bus under a channel name.
func (l *Loopback) Attach(channel string, b *Bus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[channel] = append(l.channels[channel], b)
}

// Detach removes a bus from a channel.
func (l *Loopback) Detach(channel string, b *Bus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buses := l.channels[channel]
	for i, existing := range buses {
		if existing == b {
			l.channels[channel] = append(buses[:i], buses[i+1:]...)
			break
		}
	}
	if len(l.channels[channel]) == 0 {
		delete(l.channels, channel)
	}
}

// Broadcast delivers a message to every bus on the channel except the
// sender. A detached sender can no longer reach the channel at all.
func (l *Loopback) Broadcast(channel string, from *Bus, msg Message) {
	l.mu.RLock()
	attached := false
	buses := make([]*Bus, 0, len(l.channels[channel]))
	for _, b := range l.channels[channel] {
		if b == from {
			attached = true
			continue
		}
		buses = append(buses, b)
	}
	l.mu.RUnlock()

	if !attached {
		return
	}
	for _, b := range buses {
		b.deliver(msg)
	}
}
