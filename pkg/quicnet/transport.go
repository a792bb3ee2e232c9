// Package quicnet connects the members of a process group running on
// different hosts.
//
// Every participant listens on one UDP socket. During `Transport.Connect`
// it dials every other participant and opens a single unidirectional QUIC
// stream towards it, so messages between a pair of participants are
// delivered in the order they were sent. Received messages are handed over
// to the `mailbox` matching engine.
package quicnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/parcomm/pkg/mailbox"
	"github.com/raskyld/parcomm/pkg/transport"
)

// Bound of a hello frame, way above what we write.
const maxHelloSize = 64

var _ transport.Transport = (*Transport)(nil)

// Transport is one participant of a QUIC process group. It implements
// `transport.Transport` once `Connect` returned.
type Transport struct {
	*mailbox.Endpoint

	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomix.Bool
	shutdowns    atomix.Uint32
	connected    atomix.Bool
	closeCh      chan struct{}

	failLock sync.Mutex
	failErr  error

	peers   []*peer
	writers sync.WaitGroup

	inboundLock sync.Mutex
	inbound     []bool
	inboundLeft int
	inboundOpen int
	ready       chan struct{}
	quiet       chan struct{}

	cxLock sync.Mutex
	cxs    []quic.Connection

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type link struct {
	t *Transport
}

func (l link) TryDeliver(dest int, env *mailbox.Envelope) error {
	if err := l.Err(); err != nil {
		return err
	}
	// Peers share the limit, they would drop the stream on such a frame.
	if n := dataSize(env); n > l.t.cfg.MaxFrameSize {
		return fmt.Errorf(
			"%w: %d bytes for rank %d, limit is %d",
			ErrTooLargeFrame, n, dest, l.t.cfg.MaxFrameSize,
		)
	}
	if !l.t.connected.Load() {
		return ErrNotConnected
	}
	return l.t.peers[dest].offer(env)
}

func (l link) Err() error {
	if l.t.gracefulTerm.Load() {
		return transport.ErrShutdown
	}
	return l.t.failure()
}

// New binds the local socket and starts accepting peers. Call `Connect`
// before using the transport.
func New(cfg Config) (t *Transport, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	size := len(cfg.Addrs)
	t = &Transport{
		cfg:         cfg,
		msink:       cfg.MetricSink,
		labels:      append(slices.Clone(cfg.MetricLabels), LabelRank.M(strconv.Itoa(cfg.Rank))),
		closeCh:     make(chan struct{}),
		peers:       make([]*peer, size),
		inbound:     make([]bool, size),
		inboundLeft: size - 1,
		ready:       make(chan struct{}),
		quiet:       make(chan struct{}, 1),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(LabelRank.L(cfg.Rank))

	if t.inboundLeft == 0 {
		close(t.ready)
	}

	ep, err := mailbox.New(cfg.Rank, size, link{t: t}, cfg.InboxCapacity)
	if err != nil {
		return nil, err
	}
	t.Endpoint = ep

	for rank, addr := range cfg.Addrs {
		if rank != cfg.Rank {
			t.peers[rank] = newPeer(rank, addr, cfg.OutboxCapacity, t.labels)
		}
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	t.udpLn = cfg.Conn
	if t.udpLn == nil {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addrs[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
		}
		udpLn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("quicnet: failed to allocate UDP listener: %w", err)
		}
		t.udpLn = udpLn
	}

	if err := t.negociateBufferSize(cfg.BufferSize); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: t.udpLn,
	}

	ln, err := t.tr.Listen(cfg.serverTLS(), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicnet: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

// LocalAddr is the address of the bound UDP socket.
func (t *Transport) LocalAddr() net.Addr {
	return t.udpLn.LocalAddr()
}

// Connect dials every other participant and waits until all of them dialed
// us back. Messages can be exchanged once it returns.
func (t *Transport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	if err := (link{t: t}).Err(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(t.peers))
	for rank, p := range t.peers {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = t.connectPeer(ctx, p)
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, p := range t.peers {
		if p != nil {
			t.writers.Add(1)
			go t.writeLoop(p)
		}
	}
	t.connected.Store(true)

	select {
	case <-t.ready:
	case <-t.closeCh:
		return transport.ErrShutdown
	case <-ctx.Done():
		return fmt.Errorf(
			"%w: ranks %v never dialed us: %w",
			ErrNotConnected, t.missingInbound(), ctx.Err(),
		)
	}

	t.logger.Info("group connected", "size", len(t.peers))
	return nil
}

// Shutdown flushes the messages queued so far, waits up to `Config.Linger`
// for peers to close their streams and then tears down every connection.
// Pending and future operations fail with `transport.ErrShutdown`.
func (t *Transport) Shutdown() error {
	if t.shutdowns.Add(1) != 1 {
		// no-op because it was already shutdown
		return nil
	}
	t.gracefulTerm.Store(true)
	close(t.closeCh)

	linger, cancel := context.WithTimeout(context.Background(), t.cfg.Linger)
	defer cancel()

	flushed := make(chan struct{})
	go func() {
		t.writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-linger.Done():
		t.logger.Warn("outbound streams did not flush before linger deadline")
	}

	t.inboundLock.Lock()
	open := t.inboundOpen
	t.inboundLock.Unlock()
	if open > 0 {
		select {
		case <-t.quiet:
		case <-linger.Done():
			t.logger.Debug("peers did not close their streams before linger deadline", "open", open)
		}
	}

	t.cxLock.Lock()
	for _, cx := range t.cxs {
		QErrShutdown.Close(cx, "we are shutting down! bye!")
	}
	t.cxLock.Unlock()

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:             false,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: int64(len(t.peers)),
		MaxIdleTimeout:        1 * time.Minute,
		// Compute phases between two rounds can be long.
		KeepAlivePeriod: 15 * time.Second,
	}
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.labels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) connectPeer(ctx context.Context, p *peer) error {
	addr, err := net.ResolveUDPAddr("udp", p.addr)
	if err != nil {
		return &PeerError{Rank: p.rank, Op: "dial", Err: fmt.Errorf("%w: %w", ErrInvalidAddr, err)}
	}

	logger := t.logger.With("peer", p)
	delay := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		stream, err := t.dial(ctx, addr, p)
		if err == nil {
			p.stream = stream
			return nil
		}

		if t.gracefulTerm.Load() {
			return transport.ErrShutdown
		}
		if ctx.Err() != nil {
			return &PeerError{Rank: p.rank, Op: "dial", Err: err}
		}

		logger.Debug("dial failed, retrying", LabelAttempt.L(attempt), LabelError.L(err))
		t.msink.IncrCounterWithLabels(MetricDialRetryCount, 1.0, p.labels)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &PeerError{Rank: p.rank, Op: "dial", Err: ctx.Err()}
		}
		delay = min(delay*2, time.Second)
	}
}

// dial opens a connection to p and announces our rank on a fresh stream.
func (t *Transport) dial(ctx context.Context, addr *net.UDPAddr, p *peer) (quic.SendStream, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	cx, err := t.tr.Dial(ctx, addr, t.cfg.clientTLS(p.addr), t.quicConfig())
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(slices.Clone(p.labels), LabelError.M("dial")),
		)
		return nil, err
	}

	stream, err := cx.OpenUniStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(cx, "could not open stream")
		return nil, err
	}

	if _, err := stream.Write(appendHello(nil, t.Rank())); err != nil {
		QErrInternal.Close(cx, "could not send hello frame")
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.track(cx)
	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, p.labels)
	t.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, p.labels)
	return stream, nil
}

func (t *Transport) acceptCx() {
	for {
		cx, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
				t.fail(fmt.Errorf("quicnet: listener closed: %w", err))
			}
			return
		}

		t.track(cx)
		t.msink.IncrCounterWithLabels(
			MetricConnEstCount,
			1.0,
			append(slices.Clone(t.labels), LabelPeerAddr.M(cx.RemoteAddr().String())),
		)
		go t.handleStreams(cx)
	}
}

func (t *Transport) handleStreams(cx quic.Connection) {
	logger := t.logger.With(LabelPeerAddr.L(cx.RemoteAddr().String()))
	for {
		stream, err := cx.AcceptUniStream(cx.Context())
		if err != nil {
			if !t.gracefulTerm.Load() && !QErrShutdown.Is(err) {
				logger.Debug("stopped accepting streams", LabelError.L(err))
			}
			return
		}
		go t.readStream(cx, stream)
	}
}

func (t *Transport) readStream(cx quic.Connection, stream quic.ReceiveStream) {
	logger := t.logger.With(
		LabelPeerAddr.L(cx.RemoteAddr().String()),
		LabelStreamID.L(stream.StreamID()),
	)
	mLabels := append(slices.Clone(t.labels), LabelPeerAddr.M(cx.RemoteAddr().String()))

	reject := func(reason string, err error) {
		logger.Warn("rejecting inbound stream", "reason", reason, LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricFrameInErrorCount,
			1.0,
			append(mLabels, LabelError.M(reason)),
		)
	}

	body, err := readFrame(stream, maxHelloSize)
	if err != nil {
		reject("no_hello", err)
		return
	}
	h, err := parseHello(body)
	if err != nil {
		reject("protocol_violation", err)
		return
	}
	if err := transport.CheckRank(h.rank, len(t.peers)); err != nil || h.rank == t.Rank() {
		reject("invalid_rank", fmt.Errorf("%w: hello from rank %d", ErrProtocolViolation, h.rank))
		return
	}
	if t.cfg.VerifyPeer != nil {
		if err := t.cfg.VerifyPeer(h.rank, cx.ConnectionState().TLS.PeerCertificates); err != nil {
			reject("identity", err)
			QErrIdentity.Close(cx, err.Error())
			return
		}
	}
	if !t.openInbound(h.rank) {
		reject("duplicate_rank", fmt.Errorf("%w: second stream from rank %d", ErrProtocolViolation, h.rank))
		return
	}
	defer t.closeInbound()

	rank := h.rank
	mLabels = append(mLabels, LabelPeerRank.M(strconv.Itoa(rank)))
	logger = logger.With(LabelPeerRank.L(rank))
	logger.Debug("inbound stream established")
	t.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, mLabels)

	for {
		body, err := readFrame(stream, t.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) || t.gracefulTerm.Load() || QErrShutdown.Is(err) {
				logger.Debug("inbound stream closed")
				return
			}
			reject("read", err)
			t.fail(&PeerError{Rank: rank, Op: "read", Err: fmt.Errorf("%w: %w", ErrPeerLost, err)})
			return
		}

		env, err := parseData(body, rank)
		if err != nil {
			reject("protocol_violation", err)
			t.fail(&PeerError{Rank: rank, Op: "read", Err: err})
			return
		}

		t.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(env.Payload)), mLabels)
		if !t.deliver(&env, mLabels) {
			return
		}
	}
}

// deliver hands env over to the matching engine, waiting while the inbox
// is full. It returns false once the transport shuts down.
func (t *Transport) deliver(env *mailbox.Envelope, mLabels []metrics.Label) bool {
	var (
		bo    iox.Backoff
		start time.Time
	)
	for {
		err := t.Offer(env)
		if err == nil {
			if !start.IsZero() {
				t.msink.AddSampleWithLabels(
					MetricInboxBackpressureMs,
					float32(time.Since(start).Seconds()*1e3),
					mLabels,
				)
			}
			return true
		}
		if t.gracefulTerm.Load() {
			return false
		}
		if start.IsZero() {
			start = time.Now()
		}
		bo.Wait()
	}
}

func (t *Transport) openInbound(rank int) bool {
	t.inboundLock.Lock()
	defer t.inboundLock.Unlock()
	if t.inbound[rank] {
		return false
	}
	t.inbound[rank] = true
	t.inboundOpen++
	t.inboundLeft--
	if t.inboundLeft == 0 {
		close(t.ready)
	}
	return true
}

func (t *Transport) closeInbound() {
	t.inboundLock.Lock()
	defer t.inboundLock.Unlock()
	t.inboundOpen--
	if t.inboundOpen == 0 && t.gracefulTerm.Load() {
		select {
		case t.quiet <- struct{}{}:
		default:
		}
	}
}

func (t *Transport) missingInbound() []int {
	t.inboundLock.Lock()
	defer t.inboundLock.Unlock()
	var missing []int
	for rank, ok := range t.inbound {
		if !ok && rank != t.Rank() {
			missing = append(missing, rank)
		}
	}
	return missing
}

func (t *Transport) track(cx quic.Connection) {
	t.cxLock.Lock()
	defer t.cxLock.Unlock()
	t.cxs = append(t.cxs, cx)
}

func (t *Transport) fail(err error) {
	t.failLock.Lock()
	defer t.failLock.Unlock()
	if t.failErr != nil {
		return
	}
	t.failErr = err
	t.logger.Error("group failure", LabelError.L(err))
}

func (t *Transport) failure() error {
	t.failLock.Lock()
	defer t.failLock.Unlock()
	return t.failErr
}
