package quicnet

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg        = errors.New("quicnet: invalid config")
	ErrNoTLSConfig       = errors.New("quicnet: TlsConfig is required")
	ErrBufferSize        = errors.New("quicnet: could not allocate udp buffer")
	ErrInvalidAddr       = errors.New("quicnet: the address you provided is invalid")
	ErrStreamWrite       = errors.New("quicnet: error writing to a stream")
	ErrProtocolViolation = errors.New("quicnet: protocol violation")
	ErrTooLargeFrame     = errors.New("quicnet: frame exceeds the maximum size")
	ErrPeerIdentity      = errors.New("quicnet: peer identity does not match its rank")
	ErrPeerLost          = errors.New("quicnet: lost a peer")
	ErrNotConnected      = errors.New("quicnet: group is not connected")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "identity",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// Is reports whether err is a remote close with this code.
func (qerr *QuicApplicationError) Is(err error) bool {
	var aerr *quic.ApplicationError
	if !errors.As(err, &aerr) {
		return false
	}
	return uint64(aerr.ErrorCode) == qerr.Code
}

// PeerError is a failure of the link with one participant.
type PeerError struct {
	Rank int
	// Op is what we were doing with the peer: "dial", "read" or "write".
	Op  string
	Err error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("quicnet: %s rank %d: %s", e.Op, e.Rank, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}
