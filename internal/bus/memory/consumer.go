package memory

import (
	"sync"

	"github.com/JakeFAU/harvest-controller/internal/bus"
)

// consumer delivers its mailbox sequentially on one goroutine.
type consumer struct {
	broker  *Broker
	name    string
	deliver func(bus.Delivery)

	mu      sync.Mutex
	mailbox []bus.Delivery
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newConsumer(b *Broker, name string, deliver func(bus.Delivery)) *consumer {
	return &consumer{
		broker:  b,
		name:    name,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push appends d to the mailbox. The caller holds the broker lock.
func (c *consumer) push(d bus.Delivery) {
	c.mu.Lock()
	c.mailbox = append(c.mailbox, d)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) pop() (bus.Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.mailbox) == 0 {
		return bus.Delivery{}, false
	}
	d := c.mailbox[0]
	c.mailbox = c.mailbox[1:]
	return d, true
}

func (c *consumer) run() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			d, ok := c.pop()
			if !ok {
				break
			}
			c.deliver(d)
		}
	}
}

// stop marks c closed and returns what it had not delivered yet. The caller
// holds the broker lock. A delivery already in progress runs to completion.
func (c *consumer) stop() []bus.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	leftovers := c.mailbox
	c.mailbox = nil
	return leftovers
}

// Close detaches the consumer. It does not wait for a running delivery.
func (c *consumer) Close() error {
	c.once.Do(func() {
		c.broker.detach(c)
	})
	return nil
}
