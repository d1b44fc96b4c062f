package session

import (
	"code.hybscloud.com/lfq"
	"github.com/danmuck/ictrl/internal/protocol/frame"
)

// outbox is the bounded FIFO of frames waiting to be sent. The oldest frame
// sits in head so a send can retry it without dequeuing; the rest wait in
// the ring.
type outbox struct {
	head  *frame.Buffer
	ring  lfq.SPSC[*frame.Buffer]
	n     int
	limit int
}

func newOutbox(depth int) *outbox {
	if depth < 1 {
		depth = 1
	}
	o := &outbox{limit: depth}
	o.ring.Init(ringCapacity(depth))
	return o
}

// ringCapacity rounds n up to a power of two, minimum 2.
func ringCapacity(n int) int {
	c := 2
	for c < n {
		c <<= 1
	}
	return c
}

func (o *outbox) len() int {
	return o.n
}

func (o *outbox) push(f *frame.Buffer) error {
	if o.n >= o.limit {
		return ErrQueueFull
	}
	if o.head == nil {
		o.head = f
	} else if err := o.ring.Enqueue(&f); err != nil {
		return ErrQueueFull
	}
	o.n++
	return nil
}

func (o *outbox) peek() *frame.Buffer {
	return o.head
}

// pop drops the head and promotes the next queued frame. The caller owns
// the returned frame.
func (o *outbox) pop() *frame.Buffer {
	f := o.head
	if f == nil {
		return nil
	}
	o.n--
	o.head = nil
	if o.n > 0 {
		next, err := o.ring.Dequeue()
		if err == nil {
			o.head = next
		} else {
			o.n = 0
		}
	}
	return f
}

// drain releases every queued frame and returns how many there were.
func (o *outbox) drain() int {
	count := 0
	for f := o.pop(); f != nil; f = o.pop() {
		f.Release()
		count++
	}
	return count
}
