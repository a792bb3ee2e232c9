package quicnet

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"code.hybscloud.com/lfq"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/parcomm/pkg/mailbox"
)

// peer is the outbound half of our relation with another participant: a
// queue of envelopes the participant goroutine fills and a writer goroutine
// drains into a unidirectional QUIC stream.
type peer struct {
	rank int
	addr string

	outbox *lfq.SPSC[mailbox.Envelope]
	// wake is signalled after every enqueue.
	wake chan struct{}

	// NB: Close MUST NOT be called concurrently with Write, only the writer
	// goroutine touches the stream once it is started.
	stream quic.SendStream
	labels []metrics.Label
}

func newPeer(rank int, addr string, capacity int, base []metrics.Label) *peer {
	return &peer{
		rank:   rank,
		addr:   addr,
		outbox: lfq.NewSPSC[mailbox.Envelope](capacity),
		wake:   make(chan struct{}, 1),
		labels: append(
			slices.Clone(base),
			LabelPeerRank.M(strconv.Itoa(rank)),
			LabelPeerAddr.M(addr),
		),
	}
}

// offer enqueues env and wakes the writer. It returns `iox.ErrWouldBlock`
// when the outbox is full.
func (p *peer) offer(env *mailbox.Envelope) error {
	if err := p.outbox.Enqueue(env); err != nil {
		return err
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("rank", p.rank),
		slog.String("addr", p.addr),
	)
}

// writeLoop runs until the transport shuts down or the stream breaks. On
// shutdown, envelopes queued so far are still written before the stream is
// closed.
func (t *Transport) writeLoop(p *peer) {
	defer t.writers.Done()
	logger := t.logger.With("peer", p)

	var frame []byte
	write := func(env *mailbox.Envelope) bool {
		frame = appendData(frame[:0], env)
		if _, err := p.stream.Write(frame); err != nil {
			if t.gracefulTerm.Load() {
				return false
			}
			t.msink.IncrCounterWithLabels(MetricFrameOutErrorCount, 1.0, p.labels)
			t.fail(&PeerError{Rank: p.rank, Op: "write", Err: fmt.Errorf("%w: %w", ErrStreamWrite, err)})
			return false
		}
		t.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(env.Payload)), p.labels)
		return true
	}

	for {
		env, err := p.outbox.Dequeue()
		if err == nil {
			if !write(&env) {
				return
			}
			continue
		}

		select {
		case <-p.wake:
		case <-t.closeCh:
			for {
				env, err := p.outbox.Dequeue()
				if err != nil {
					break
				}
				if !write(&env) {
					return
				}
			}
			logger.Debug("closing outbound stream")
			p.stream.Close()
			return
		}
	}
}
