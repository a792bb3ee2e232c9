// Package mailbox implements the message-matching engine shared by every
// parcomm transport.
//
// An `Endpoint` owns the inbox of one participant. Remote producers `Offer`
// envelopes into a lock-free MPSC queue; the participant itself drains that
// queue whenever it blocks (in `Send`, `Wait`, `Barrier`...), matching each
// envelope against its posted receives or stashing it as unexpected.
//
// Transports only have to provide a `Link`, which moves an envelope towards
// the inbox of a remote participant.
package mailbox

import (
	"context"
	"fmt"
	"slices"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/raskyld/parcomm/pkg/transport"
)

// DefaultInboxCapacity is the number of in-flight envelopes an inbox accepts
// before producers observe backpressure.
const DefaultInboxCapacity = 1024

// Envelope is a message in transit.
type Envelope struct {
	Source  int
	Tag     transport.Tag
	Payload []byte
}

// Link moves envelopes towards remote participants.
type Link interface {
	// TryDeliver hands env over to the participant dest without blocking.
	// It returns `iox.ErrWouldBlock` under backpressure. On success, the
	// link owns env.Payload.
	TryDeliver(dest int, env *Envelope) error

	// Err reports a fatal failure of the link, nil while healthy.
	Err() error
}

var _ transport.Transport = (*Endpoint)(nil)

// Endpoint implements `transport.Transport` for one participant.
//
// Only `Offer` is safe for concurrent use, every other method MUST be
// called from the goroutine driving the participant.
type Endpoint struct {
	rank int
	size int
	link Link

	inbox *lfq.MPSC[Envelope]

	// owned by the participant goroutine
	posted     map[matchKey][]*request
	unexpected map[matchKey][]Envelope
	completed  uint64
}

type matchKey struct {
	src int
	tag transport.Tag
}

type request struct {
	owner *Endpoint
	key   matchKey
	buf   []byte

	done     bool
	inactive bool
	seq      uint64
	status   transport.Status
	err      error
}

func (r *request) Source() int {
	return r.key.src
}

func (r *request) Tag() transport.Tag {
	return r.key.tag
}

// New creates the endpoint of participant rank in a group of size.
func New(rank, size int, link Link, inboxCapacity int) (*Endpoint, error) {
	if err := transport.CheckRank(rank, size); err != nil {
		return nil, err
	}
	if inboxCapacity < 2 {
		inboxCapacity = DefaultInboxCapacity
	}

	return &Endpoint{
		rank:       rank,
		size:       size,
		link:       link,
		inbox:      lfq.NewMPSC[Envelope](inboxCapacity),
		posted:     make(map[matchKey][]*request),
		unexpected: make(map[matchKey][]Envelope),
	}, nil
}

func (e *Endpoint) Rank() int {
	return e.rank
}

func (e *Endpoint) Size() int {
	return e.size
}

// Offer enqueues env in the inbox. It is safe for concurrent use and returns
// `iox.ErrWouldBlock` when the inbox is full.
func (e *Endpoint) Offer(env *Envelope) error {
	return e.inbox.Enqueue(env)
}

// Unexpected returns how many received messages are waiting for a
// matching receive.
func (e *Endpoint) Unexpected() int {
	n := 0
	for _, q := range e.unexpected {
		n += len(q)
	}
	return n
}

// Pending returns how many posted receives are not matched yet.
func (e *Endpoint) Pending() int {
	n := 0
	for _, q := range e.posted {
		n += len(q)
	}
	return n
}

func (e *Endpoint) Send(ctx context.Context, dest int, tag transport.Tag, payload []byte) error {
	if err := transport.CheckRank(dest, e.size); err != nil {
		return err
	}
	if tag >= transport.TagReservedBase {
		return fmt.Errorf("%w: %d", transport.ErrReservedTag, tag)
	}
	return e.send(ctx, dest, tag, payload)
}

func (e *Endpoint) Irecv(src int, tag transport.Tag, buf []byte) (transport.Request, error) {
	if err := transport.CheckRank(src, e.size); err != nil {
		return nil, err
	}
	if tag >= transport.TagReservedBase {
		return nil, fmt.Errorf("%w: %d", transport.ErrReservedTag, tag)
	}
	return e.irecv(src, tag, buf), nil
}

func (e *Endpoint) Wait(ctx context.Context, req transport.Request) (transport.Status, error) {
	r, err := e.own(req)
	if err != nil {
		return transport.Status{}, err
	}
	if r == nil || r.inactive {
		return transport.Status{}, transport.ErrInactive
	}

	if err := e.await(ctx, func() bool { return r.done }); err != nil {
		return transport.Status{}, err
	}
	r.inactive = true
	return r.status, r.err
}

func (e *Endpoint) WaitAny(ctx context.Context, reqs []transport.Request) (int, transport.Status, error) {
	active := make([]*request, len(reqs))
	n := 0
	for i, req := range reqs {
		r, err := e.own(req)
		if err != nil {
			return transport.Undefined, transport.Status{}, err
		}
		if r == nil || r.inactive {
			continue
		}
		active[i] = r
		n++
	}
	if n == 0 {
		return transport.Undefined, transport.Status{}, nil
	}

	// The request matched first wins, not the one with the lowest index.
	idx := transport.Undefined
	err := e.await(ctx, func() bool {
		var best uint64
		for i, r := range active {
			if r != nil && r.done && (idx == transport.Undefined || r.seq < best) {
				idx, best = i, r.seq
			}
		}
		return idx != transport.Undefined
	})
	if err != nil {
		return transport.Undefined, transport.Status{}, err
	}

	r := active[idx]
	r.inactive = true
	return idx, r.status, r.err
}

func (e *Endpoint) WaitAll(ctx context.Context, reqs []transport.Request) ([]transport.Status, error) {
	statuses := make([]transport.Status, len(reqs))
	for i, req := range reqs {
		r, err := e.own(req)
		if err != nil {
			return statuses, err
		}
		if r == nil || r.inactive {
			continue
		}
		statuses[i], err = e.Wait(ctx, r)
		if err != nil {
			return statuses, err
		}
	}
	return statuses, nil
}

// Barrier is a dissemination barrier: ceil(log2(size)) rounds of empty
// messages at doubling distances.
func (e *Endpoint) Barrier(ctx context.Context) error {
	for dist := 1; dist < e.size; dist <<= 1 {
		to := (e.rank + dist) % e.size
		from := (e.rank - dist + e.size) % e.size

		r := e.irecv(from, transport.TagBarrier, nil)
		if err := e.send(ctx, to, transport.TagBarrier, nil); err != nil {
			return err
		}
		if _, err := e.Wait(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast follows a binomial tree rooted at root.
func (e *Endpoint) Broadcast(ctx context.Context, buf []byte, root int) error {
	if err := transport.CheckRank(root, e.size); err != nil {
		return err
	}

	relative := (e.rank - root + e.size) % e.size
	mask := 1
	for mask < e.size {
		if relative&mask != 0 {
			parent := (e.rank - mask + e.size) % e.size
			st, err := e.Wait(ctx, e.irecv(parent, transport.TagBroadcast, buf))
			if err != nil {
				return err
			}
			if st.Count != len(buf) {
				return fmt.Errorf(
					"%w: broadcast from %d carried %d bytes, expected %d",
					transport.ErrCountMismatch, root, st.Count, len(buf),
				)
			}
			break
		}
		mask <<= 1
	}

	for mask >>= 1; mask > 0; mask >>= 1 {
		if relative+mask < e.size {
			child := (e.rank + mask) % e.size
			if err := e.send(ctx, child, transport.TagBroadcast, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Endpoint) send(ctx context.Context, dest int, tag transport.Tag, payload []byte) error {
	env := Envelope{
		Source:  e.rank,
		Tag:     tag,
		Payload: slices.Clone(payload),
	}

	if dest == e.rank {
		e.match(env)
		return nil
	}

	var bo iox.Backoff
	for {
		err := e.link.TryDeliver(dest, &env)
		if err == nil {
			return nil
		}
		if !iox.IsWouldBlock(err) {
			return err
		}

		// Keep draining our own inbox, the peer we are waiting on may be
		// blocked sending to us.
		if e.progress() {
			bo.Reset()
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bo.Wait()
	}
}

func (e *Endpoint) irecv(src int, tag transport.Tag, buf []byte) *request {
	r := &request{
		owner: e,
		key:   matchKey{src: src, tag: tag},
		buf:   buf,
	}

	if q := e.unexpected[r.key]; len(q) > 0 {
		env := q[0]
		if len(q) == 1 {
			delete(e.unexpected, r.key)
		} else {
			e.unexpected[r.key] = q[1:]
		}
		e.complete(r, env)
		return r
	}

	e.posted[r.key] = append(e.posted[r.key], r)
	return r
}

func (e *Endpoint) match(env Envelope) {
	key := matchKey{src: env.Source, tag: env.Tag}
	if q := e.posted[key]; len(q) > 0 {
		r := q[0]
		if len(q) == 1 {
			delete(e.posted, key)
		} else {
			e.posted[key] = q[1:]
		}
		e.complete(r, env)
		return
	}
	e.unexpected[key] = append(e.unexpected[key], env)
}

func (e *Endpoint) complete(r *request, env Envelope) {
	e.completed++
	r.seq = e.completed
	r.done = true
	r.status = transport.Status{
		Source: env.Source,
		Tag:    env.Tag,
		Count:  len(env.Payload),
	}

	if len(env.Payload) > len(r.buf) {
		r.err = fmt.Errorf(
			"%w: %d bytes from rank %d with tag %d, buffer holds %d",
			transport.ErrTruncated, len(env.Payload), env.Source, env.Tag, len(r.buf),
		)
		return
	}
	copy(r.buf, env.Payload)
}

// progress drains the inbox and reports whether anything was matched.
func (e *Endpoint) progress() bool {
	moved := false
	for {
		env, err := e.inbox.Dequeue()
		if err != nil {
			return moved
		}
		e.match(env)
		moved = true
	}
}

func (e *Endpoint) await(ctx context.Context, ready func() bool) error {
	var bo iox.Backoff
	for {
		if ready() {
			return nil
		}
		if e.progress() {
			bo.Reset()
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.link.Err(); err != nil {
			return err
		}
		bo.Wait()
	}
}

func (e *Endpoint) own(req transport.Request) (*request, error) {
	if req == nil {
		return nil, nil
	}
	r, ok := req.(*request)
	if !ok || (r != nil && r.owner != e) {
		return nil, transport.ErrForeignRequest
	}
	return r, nil
}
