package parcomm

import (
	"context"
	"time"
)

// countSize is the wire size of a count: a uint64 packed in a `Buffer`.
const countSize = 8

// ReceiveCounts tells every participant how many elements the others are
// about to send it. sendCounts[p] is what the caller sends to p, the result
// holds at index p what p sends to the caller.
//
// Every participant MUST call it with one count per participant. The
// caller's own entry is copied without going through the transport.
func ReceiveCounts(ctx context.Context, c *Comm, sendCounts []int) (recvCounts []int, err error) {
	defer func(start time.Time) {
		moved := countSize * (c.Size() - 1)
		c.record(variantReceiveCounts, start, moved, moved, err)
	}(time.Now())

	if len(sendCounts) != c.Size() {
		return nil, preconditionf("%d counts for a group of %d", len(sendCounts), c.Size())
	}
	for p, n := range sendCounts {
		if n < 0 {
			return nil, preconditionf("negative count %d for rank %d", n, p)
		}
	}

	me := c.Rank()
	recvCounts = make([]int, c.Size())
	recvCounts[me] = sendCounts[me]
	if c.Size() == 1 {
		return recvCounts, nil
	}

	recvs := make([]route, 0, c.Size()-1)
	sends := make([]route, 0, c.Size()-1)
	for p := range c.Size() {
		if p == me {
			continue
		}
		recvs = append(recvs, route{rank: p, buf: make([]byte, countSize)})
		sends = append(sends, route{rank: p, buf: encodeCount(sendCounts[p])})
	}
	if err := c.round(ctx, TagExchange, recvs, sends); err != nil {
		return nil, err
	}

	for _, r := range recvs {
		n, err := decodeCount(r.buf)
		if err != nil {
			return nil, err
		}
		recvCounts[r.rank] = n
	}
	return recvCounts, nil
}

func encodeCount(n int) []byte {
	// A single aligned uint64 cannot fail to pack.
	buf, _ := Encode(func(b *Buffer) error {
		return PackValue(b, uint64(n))
	})
	return buf
}

func decodeCount(buf []byte) (int, error) {
	n, err := UnpackValue[uint64](NewBuffer(buf))
	if err != nil {
		return 0, err
	}
	return clampInt(n), nil
}
