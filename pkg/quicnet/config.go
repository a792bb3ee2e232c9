package quicnet

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultUDPBufferSize  int = 1 << 21
	defaultDialTimeout        = 10 * time.Second
	defaultLinger             = 5 * time.Second
	defaultMaxFrameSize       = 64 << 20
	defaultOutboxCapacity     = 256

	// ALPN protocol negotiated by every connection.
	nextProto = "parcomm/1"
)

// Config of a QUIC process group member.
type Config struct {
	// Rank of the local participant in `Addrs`.
	Rank int

	// Addrs of every participant, indexed by rank. They MUST be the same on
	// every participant. Addrs[Rank] is where we listen unless `Conn` is
	// provided.
	Addrs []string

	// Conn is an already bound socket to use instead of listening on
	// Addrs[Rank]. The transport takes ownership of it.
	Conn *net.UDPConn

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `Config.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// VerifyPeer checks that the certificates presented by a peer belong to
	// the rank it claims in its hello frame. Nil accepts any peer the TLS
	// handshake accepted.
	VerifyPeer PeerVerifier

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// Linger is how long `Shutdown` waits for peers to close their streams
	// before tearing down connections.
	Linger time.Duration

	// InboxCapacity bounds the number of received messages waiting to be
	// matched.
	InboxCapacity int

	// OutboxCapacity bounds, per peer, the number of messages waiting to be
	// written to the network.
	OutboxCapacity int

	// MaxFrameSize is the largest frame accepted from a peer. It MUST be the
	// same on every participant, larger messages fail on the sending side
	// with `ErrTooLargeFrame`.
	MaxFrameSize int

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// PeerVerifier validates the identity of the participant claiming rank.
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the stream establishment critical path.
type PeerVerifier func(rank int, certs []*x509.Certificate) error

// CommonNameVerifier accepts a peer when the x509 Subject Common Name of its
// certificate is names[rank].
func CommonNameVerifier(names []string) PeerVerifier {
	return func(rank int, certs []*x509.Certificate) error {
		if len(certs) == 0 {
			return fmt.Errorf("%w: no client certificate", ErrPeerIdentity)
		}
		if rank >= len(names) || certs[0].Subject.CommonName != names[rank] {
			return fmt.Errorf(
				"%w: rank %d presented %q",
				ErrPeerIdentity, rank, certs[0].Subject.CommonName,
			)
		}
		return nil
	}
}

func (cfg *Config) validate() error {
	if cfg.TlsConfig == nil {
		return ErrNoTLSConfig
	}
	if len(cfg.Addrs) == 0 {
		return fmt.Errorf("%w: no participant address", ErrInvalidCfg)
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Addrs) {
		return fmt.Errorf("%w: rank %d not in [0, %d)", ErrInvalidCfg, cfg.Rank, len(cfg.Addrs))
	}
	for rank, addr := range cfg.Addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: rank %d: %w", ErrInvalidAddr, rank, err)
		}
	}
	return nil
}

// withDefaults returns a copy of cfg with unset fields defaulted.
func (cfg Config) withDefaults() Config {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultUDPBufferSize
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Linger == 0 {
		cfg.Linger = defaultLinger
	}
	if cfg.OutboxCapacity < 2 {
		cfg.OutboxCapacity = defaultOutboxCapacity
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = metrics.Default()
	}
	return cfg
}

// serverTLS and clientTLS derive the per-direction TLS configs.
func (cfg *Config) serverTLS() *tls.Config {
	tc := cfg.TlsConfig.Clone()
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{nextProto}
	}
	return tc
}

func (cfg *Config) clientTLS(addr string) *tls.Config {
	tc := cfg.serverTLS()
	if tc.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tc.ServerName = host
		}
	}
	return tc
}
