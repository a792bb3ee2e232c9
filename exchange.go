package parcomm

import (
	"context"
	"fmt"
	"time"

	"github.com/raskyld/parcomm/pkg/transport"
)

const (
	// TagExchange carries the payloads of every variant but the offset one,
	// as well as the counts of `ReceiveCounts`.
	TagExchange transport.Tag = 10242
	// TagOffsetExchange carries the payloads of `ExchangeOffsets`.
	TagOffsetExchange transport.Tag = 10243
)

// CompletionOrder decides in which order `ExchangePackUnpack` hands
// received data over to the caller.
type CompletionOrder uint8

const (
	// PartnerOrder unpacks in the order of the partners list, so that two
	// runs with the same inputs behave the same.
	PartnerOrder CompletionOrder = iota
	// ArrivalOrder unpacks whichever message completed first.
	ArrivalOrder
)

func (o CompletionOrder) String() string {
	switch o {
	case PartnerOrder:
		return "partner"
	case ArrivalOrder:
		return "arrival"
	default:
		return "unknown"
	}
}

const (
	variantUnknownSizes          = "unknown_sizes"
	variantSymmetric             = "symmetric"
	variantOffsets               = "offsets"
	variantSymmetricUnknownSizes = "symmetric_unknown_sizes"
	variantPackUnpack            = "pack_unpack"
	variantReceiveCounts         = "receive_counts"
)

// route is one message of a round, or the buffer waiting for it.
type route struct {
	rank int
	buf  []byte
}

// ExchangeUnknownSizes sends send[p] to every participant p. Receivers do
// not know in advance how much they get: counts are exchanged first, then
// recv[p] is resized to what p sent.
//
// send and recv MUST have one slot per participant. Nothing is sent for
// empty slots.
func ExchangeUnknownSizes[T any](ctx context.Context, c *Comm, send, recv [][]T) (err error) {
	var out, in int
	defer func(start time.Time) { c.record(variantUnknownSizes, start, out, in, err) }(time.Now())

	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	if err := c.checkSlots(len(send), len(recv)); err != nil {
		return err
	}

	counts := make([]int, len(send))
	for p := range send {
		counts[p] = len(send[p])
	}
	recvCounts, err := ReceiveCounts(ctx, c, counts)
	if err != nil {
		return err
	}
	for p := range recv {
		recv[p] = make([]T, recvCounts[p])
	}

	recvs, in := routes(recv, size)
	sends, out := routes(send, size)
	return c.round(ctx, TagExchange, recvs, sends)
}

// ExchangeSymmetric is `ExchangeUnknownSizes` for patterns where every pair
// trades the same number of elements in both directions. recv[p] is resized
// to len(send[p]) and no counts are exchanged.
func ExchangeSymmetric[T any](ctx context.Context, c *Comm, send, recv [][]T) (err error) {
	var out, in int
	defer func(start time.Time) { c.record(variantSymmetric, start, out, in, err) }(time.Now())

	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	if err := c.checkSlots(len(send), len(recv)); err != nil {
		return err
	}

	for p := range recv {
		recv[p] = make([]T, len(send[p]))
	}

	recvs, in := routes(recv, size)
	sends, out := routes(send, size)
	return c.round(ctx, TagExchange, recvs, sends)
}

// ExchangeOffsets exchanges flat arrays partitioned by offset tables: the
// data for participant p lives in [offsets[p], offsets[p+1]). Both tables
// have Size()+1 entries and the receiver already knows its layout.
func ExchangeOffsets[T any](
	ctx context.Context,
	c *Comm,
	sendOffsets []int,
	sendData []T,
	recvOffsets []int,
	recvData []T,
) (err error) {
	var out, in int
	defer func(start time.Time) { c.record(variantOffsets, start, out, in, err) }(time.Now())

	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	if err := checkOffsets("send", sendOffsets, len(sendData), c.Size()); err != nil {
		return err
	}
	if err := checkOffsets("receive", recvOffsets, len(recvData), c.Size()); err != nil {
		return err
	}

	recvs, in := offsetRoutes(recvOffsets, recvData, size)
	sends, out := offsetRoutes(sendOffsets, sendData, size)
	return c.round(ctx, TagOffsetExchange, recvs, sends)
}

// ExchangeSymmetricUnknownSizes is `ExchangeUnknownSizes` restricted to a
// known set of partners. The relation MUST be mutual: q lists p whenever p
// lists q. Every partner gets a count, possibly zero, so nobody waits on a
// message that never comes.
//
// send MUST be empty for participants which are not partners.
func ExchangeSymmetricUnknownSizes[T any](
	ctx context.Context,
	c *Comm,
	partners []int,
	send, recv [][]T,
) (err error) {
	var out, in int
	defer func(start time.Time) { c.record(variantSymmetricUnknownSizes, start, out, in, err) }(time.Now())

	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	if err := c.checkSlots(len(send), len(recv)); err != nil {
		return err
	}
	isPartner, err := c.checkPartners(partners)
	if err != nil {
		return err
	}
	for p := range send {
		if !isPartner[p] && len(send[p]) > 0 {
			return preconditionf("%d elements for rank %d which is not a partner", len(send[p]), p)
		}
	}

	countIn := make([]route, len(partners))
	countOut := make([]route, len(partners))
	for i, p := range partners {
		countIn[i] = route{rank: p, buf: make([]byte, countSize)}
		countOut[i] = route{rank: p, buf: encodeCount(len(send[p]))}
	}
	if err := c.round(ctx, TagExchange, countIn, countOut); err != nil {
		return err
	}

	for p := range recv {
		recv[p] = nil
	}
	for _, r := range countIn {
		n, err := decodeCount(r.buf)
		if err != nil {
			return fmt.Errorf("count from rank %d: %w", r.rank, err)
		}
		recv[r.rank] = make([]T, n)
	}

	recvs, in := routes(recv, size)
	sends, out := routes(send, size)
	return c.round(ctx, TagExchange, recvs, sends)
}

// ExchangePackUnpack asks pack for the data of every partner, sends it and
// calls unpack as messages are received. Sizes are symmetric: the data
// received from p has the length of the data packed for p.
//
// Receives are posted for every partner, empty ones included, so the
// partner relation MUST be mutual.
func ExchangePackUnpack[T any](
	ctx context.Context,
	c *Comm,
	partners []int,
	pack func(partner int) []T,
	unpack func(partner int, data []T) error,
	order CompletionOrder,
) (err error) {
	var out, in int
	defer func(start time.Time) { c.record(variantPackUnpack, start, out, in, err) }(time.Now())

	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	if _, err := c.checkPartners(partners); err != nil {
		return err
	}
	if order != PartnerOrder && order != ArrivalOrder {
		return preconditionf("unknown completion order %d", order)
	}

	sendData := make([][]T, len(partners))
	recvData := make([][]T, len(partners))
	reqs := make([]transport.Request, len(partners))
	for i, p := range partners {
		sendData[i] = pack(p)
		recvData[i] = make([]T, len(sendData[i]))
		reqs[i], err = c.tr.Irecv(p, TagExchange, sliceBytes(recvData[i], size))
		if err != nil {
			return err
		}
	}

	if err := c.tr.Barrier(ctx); err != nil {
		return err
	}
	for i, p := range partners {
		buf := sliceBytes(sendData[i], size)
		if err := c.tr.Send(ctx, p, TagExchange, buf); err != nil {
			return err
		}
		out += len(buf)
	}

	pool := completionPool{tr: c.tr, reqs: reqs, order: order}
	for range partners {
		i, st, err := pool.next(ctx)
		if err != nil {
			return err
		}
		if want := len(recvData[i]) * size; st.Count != want {
			return sizeMismatch(partners[i], want, st.Count)
		}
		in += st.Count
		if err := unpack(partners[i], recvData[i]); err != nil {
			return err
		}
	}
	return nil
}

// completionPool yields the requests of a round as they complete.
type completionPool struct {
	tr     transport.Transport
	reqs   []transport.Request
	order  CompletionOrder
	cursor int
}

func (p *completionPool) next(ctx context.Context) (int, transport.Status, error) {
	if p.order == ArrivalOrder {
		i, st, err := p.tr.WaitAny(ctx, p.reqs)
		if err == nil && i == transport.Undefined {
			err = fmt.Errorf("%w: no receive left to wait on", ErrPrecondition)
		}
		return i, st, err
	}

	i := p.cursor
	p.cursor++
	st, err := p.tr.Wait(ctx, p.reqs[i])
	return i, st, err
}

// round posts recvs, waits for every participant to do the same, sends and
// then waits for every receive to complete with the expected size.
//
// The barrier guarantees no payload is sent before its receive is posted.
func (c *Comm) round(ctx context.Context, tag transport.Tag, recvs, sends []route) error {
	reqs := make([]transport.Request, len(recvs))
	for i, r := range recvs {
		req, err := c.tr.Irecv(r.rank, tag, r.buf)
		if err != nil {
			return err
		}
		reqs[i] = req
	}

	if err := c.tr.Barrier(ctx); err != nil {
		return err
	}

	for _, s := range sends {
		if err := c.tr.Send(ctx, s.rank, tag, s.buf); err != nil {
			return err
		}
	}

	statuses, err := c.tr.WaitAll(ctx, reqs)
	if err != nil {
		return err
	}
	for i, st := range statuses {
		if st.Count != len(recvs[i].buf) {
			return sizeMismatch(recvs[i].rank, len(recvs[i].buf), st.Count)
		}
	}
	return nil
}

func (c *Comm) checkSlots(send, recv int) error {
	if send != c.Size() || recv != c.Size() {
		return preconditionf(
			"need one slot per participant, got %d to send and %d to receive for a group of %d",
			send, recv, c.Size(),
		)
	}
	return nil
}

func (c *Comm) checkPartners(partners []int) ([]bool, error) {
	isPartner := make([]bool, c.Size())
	for _, p := range partners {
		if err := transport.CheckRank(p, c.Size()); err != nil {
			return nil, fmt.Errorf("%w: partner: %w", ErrPrecondition, err)
		}
		if isPartner[p] {
			return nil, preconditionf("partner %d listed twice", p)
		}
		isPartner[p] = true
	}
	return isPartner, nil
}

func checkOffsets(side string, offsets []int, dataLen, size int) error {
	if len(offsets) != size+1 {
		return preconditionf("%s offsets have %d entries, need %d", side, len(offsets), size+1)
	}
	if offsets[0] < 0 {
		return preconditionf("%s offsets start at %d", side, offsets[0])
	}
	for p := range size {
		if offsets[p+1] < offsets[p] {
			return preconditionf("%s offsets decrease at rank %d", side, p)
		}
	}
	if offsets[size] > dataLen {
		return preconditionf("%s offsets end at %d past data of length %d", side, offsets[size], dataLen)
	}
	return nil
}

// routes keeps the non-empty slots and returns their total size in bytes.
func routes[T any](slots [][]T, size int) ([]route, int) {
	var (
		rs    []route
		total int
	)
	for p, s := range slots {
		if len(s) == 0 {
			continue
		}
		buf := sliceBytes(s, size)
		rs = append(rs, route{rank: p, buf: buf})
		total += len(buf)
	}
	return rs, total
}

func offsetRoutes[T any](offsets []int, data []T, size int) ([]route, int) {
	var (
		rs    []route
		total int
	)
	for p := range len(offsets) - 1 {
		if offsets[p+1] == offsets[p] {
			continue
		}
		buf := sliceBytes(data[offsets[p]:offsets[p+1]], size)
		rs = append(rs, route{rank: p, buf: buf})
		total += len(buf)
	}
	return rs, total
}

func sizeMismatch(rank, want, got int) error {
	return fmt.Errorf("%w: %d bytes from rank %d, expected %d", ErrSizeMismatch, got, rank, want)
}
