package service

import (
	"sync"

	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/ocall"
	"github.com/cuemby/wapod/pkg/types"
)

// OutgoingMessage is one message emitted by an instance for the front end
type OutgoingMessage struct {
	Address types.Address
	Payload []byte
}

// DefaultOutgoingBuffer bounds the outgoing channel
const DefaultOutgoingBuffer = 128

// Outgoing is the bounded multi-producer single-consumer channel carrying
// instance messages to the front end. Producers block cooperatively when
// the channel is full; this is the only designed back-pressure path from
// sandbox to front end. Per-producer FIFO order is preserved.
type Outgoing struct {
	ch        chan OutgoingMessage
	closed    chan struct{}
	closeOnce sync.Once
}

// NewOutgoing creates the channel; size 0 selects the default buffer
func NewOutgoing(size int) *Outgoing {
	if size <= 0 {
		size = DefaultOutgoingBuffer
	}
	return &Outgoing{
		ch:     make(chan OutgoingMessage, size),
		closed: make(chan struct{}),
	}
}

// SenderFor returns the send hook for one instance. The hook blocks
// while the channel is full and gives up when its cancel channel or the
// whole outgoing channel closes.
func (o *Outgoing) SenderFor(addr types.Address) func(msg []byte, cancel <-chan struct{}) ocall.Errno {
	return func(msg []byte, cancel <-chan struct{}) ocall.Errno {
		select {
		case o.ch <- OutgoingMessage{Address: addr, Payload: msg}:
			metrics.OutgoingMessages.Inc()
			return ocall.ErrnoOK
		case <-cancel:
			return ocall.ErrnoClosed
		case <-o.closed:
			return ocall.ErrnoClosed
		}
	}
}

// Receiver returns the single-consumer end
func (o *Outgoing) Receiver() <-chan OutgoingMessage {
	return o.ch
}

// Close releases blocked producers. Pending messages stay readable.
func (o *Outgoing) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
	})
}
