// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package portal

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/fireflydesign/portal/detour"
	"github.com/fireflydesign/portal/packet"
)

// DefaultTimeout is the read timeout of a newly-created portal, unless the
// manager options specify otherwise.
const DefaultTimeout = 10 * time.Second

// A Portal is a typed, queued message endpoint for one instrument,
// multiplexed with the other portals of its [Manager] over a shared transport.
//
// Outbound messages are queued by Send and transmitted by Write. Inbound
// messages are delivered by the manager and consumed in order by Read, or as
// a stream of raw content bytes by ReadLength and ReadAvailable. The methods
// of a Portal are safe for concurrent use, but concurrent readers of the same
// portal will compete for its messages.
type Portal struct {
	id uint64
	m  *Manager

	μ       sync.Mutex
	out     *queue.Queue[Message]
	in      *queue.Queue[Message]
	raw     []byte        // content of stream-consumed messages, in arrival order
	ready   chan struct{} // closed and replaced when a message arrives
	timeout time.Duration
}

func newPortal(m *Manager, id uint64, timeout time.Duration) *Portal {
	return &Portal{
		id:      id,
		m:       m,
		out:     queue.New[Message](),
		in:      queue.New[Message](),
		ready:   make(chan struct{}),
		timeout: timeout,
	}
}

// ID reports the identifier of p.
func (p *Portal) ID() uint64 { return p.id }

// Timeout reports the read timeout of p.
func (p *Portal) Timeout() time.Duration {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.timeout
}

// SetTimeout sets the read timeout of p. A timeout ≤ 0 restores the default.
// SetTimeout returns p to permit chaining.
func (p *Portal) SetTimeout(d time.Duration) *Portal {
	p.μ.Lock()
	defer p.μ.Unlock()
	if d <= 0 {
		d = DefaultTimeout
	}
	p.timeout = d
	return p
}

// Send enqueues a message of the given type and content for the next Write.
// It does not block or transmit anything. The portal retains content, and the
// caller must not modify it until it has been written.
func (p *Portal) Send(typ uint64, content []byte) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.out.Add(Message{Channel: p.id, Type: typ, Content: content})
}

// Pending reports the number of queued outbound messages.
func (p *Portal) Pending() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.out.Len()
}

// Write transmits all the currently-queued outbound messages of p as a single
// fragmented buffer. No other portal of the same manager can transmit until
// Write returns.
//
// The context is checked before each frame is sent. If it ends, Write reports
// [ErrCanceled] and any messages not completely transmitted remain queued for
// a later Write. Messages already transmitted are not queued again.
func (p *Portal) Write(ctx context.Context) error {
	mlog := p.m.messageLogger()
	p.m.out.Lock()
	defer p.m.out.Unlock()

	p.μ.Lock()
	var b packet.Builder
	var ends []int // ends[i] is the offset after message i
	var msgs []Message
	for i := range p.out.Len() {
		msg, _ := p.out.Peek(i)
		msg.AppendTo(&b)
		ends = append(ends, b.Len())
		msgs = append(msgs, msg)
	}
	p.μ.Unlock()
	if len(msgs) == 0 {
		return nil
	}

	src := detour.NewSource(b.Bytes(), p.m.frameSize)
	var sent int // bytes of the buffer known to have been transmitted
	var err error
	for !src.Done() {
		if cerr := ctx.Err(); cerr != nil {
			rootMetrics.writeCanceled.Add(1)
			err = canceled(cerr)
			break
		}
		frame, _ := src.Next()
		if err = p.m.sendFrameLocked(frame); err != nil {
			break
		}
		sent = src.Consumed()
	}

	// Remove the messages that were completely transmitted.
	var done int
	for done < len(ends) && ends[done] <= sent {
		done++
	}
	p.μ.Lock()
	for range done {
		p.out.Pop()
	}
	p.μ.Unlock()

	rootMetrics.msgSent.Add(int64(done))
	if mlog != nil {
		for _, msg := range msgs[:done] {
			mlog(MessageInfo{Message: msg, Sent: true})
		}
	}
	return err
}

// Received delivers an inbound message of the given type and content to p,
// waking any blocked readers. The manager calls this as messages arrive.
func (p *Portal) Received(typ uint64, content []byte) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in.Add(Message{Channel: p.id, Type: typ, Content: content})
	close(p.ready)
	p.ready = make(chan struct{})
}

// Read flushes any queued outbound messages, then blocks until an inbound
// message is available and returns its content. If the message at the head of
// the queue does not have the requested type, Read reports an
// *[UnexpectedTypeError] and leaves the message queued.
//
// Read reports [ErrTimeout] if no message arrives within the timeout of p,
// measured from the start of the call, or [ErrCanceled] if ctx ends first.
func (p *Portal) Read(ctx context.Context, typ uint64) ([]byte, error) {
	if err := p.Write(ctx); err != nil {
		return nil, err
	}
	var content []byte
	err := p.await(ctx, func() (bool, error) {
		msg, ok := p.in.Peek(0)
		if !ok {
			return false, nil
		} else if msg.Type != typ {
			return false, &UnexpectedTypeError{ID: p.id, Want: typ, Got: msg.Type}
		}
		p.in.Pop()
		content = msg.Content
		return true, nil
	})
	return content, err
}

// ReadLength flushes any queued outbound messages, then blocks until at least
// n bytes of inbound content are available, and returns the first n. Content
// from consecutive messages is concatenated in arrival order, regardless of
// type. Errors are as for [Portal.Read].
func (p *Portal) ReadLength(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		n = 0
	}
	if err := p.Write(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := p.await(ctx, func() (bool, error) {
		p.drainLocked()
		if len(p.raw) < n {
			return false, nil
		}
		data = append([]byte(nil), p.raw[:n]...)
		p.raw = p.raw[:copy(p.raw, p.raw[n:])]
		return true, nil
	})
	return data, err
}

// ReadAvailable flushes any queued outbound messages, then returns all the
// inbound content currently available without waiting for more. The result
// may be empty.
func (p *Portal) ReadAvailable(ctx context.Context) ([]byte, error) {
	if err := p.Write(ctx); err != nil {
		return nil, err
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	p.drainLocked()
	data := p.raw
	p.raw = nil
	return data, nil
}

// drainLocked moves the content of all inbound messages into the raw buffer.
// The caller must hold p.μ.
func (p *Portal) drainLocked() {
	for {
		msg, ok := p.in.Pop()
		if !ok {
			return
		}
		p.raw = append(p.raw, msg.Content...)
	}
}

// await calls check with p.μ held until it reports true or an error, waiting
// for new messages to arrive in between. It reports ErrTimeout if the timeout
// of p elapses first.
func (p *Portal) await(ctx context.Context, check func() (bool, error)) error {
	rootMetrics.readPending.Add(1)
	defer rootMetrics.readPending.Add(-1)

	p.μ.Lock()
	timer := time.NewTimer(p.timeout)
	p.μ.Unlock()
	defer timer.Stop()

	for {
		p.μ.Lock()
		ok, err := check()
		ready := p.ready
		p.μ.Unlock()
		if ok || err != nil {
			return err
		}

		select {
		case <-ready:
			// A message arrived; check again.
		case <-timer.C:
			rootMetrics.readTimeout.Add(1)
			return ErrTimeout
		case <-ctx.Done():
			return canceled(ctx.Err())
		}
	}
}
