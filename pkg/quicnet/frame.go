package quicnet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/raskyld/parcomm/pkg/mailbox"
	"github.com/raskyld/parcomm/pkg/transport"
	"google.golang.org/protobuf/encoding/protowire"
)

// Every stream starts with a hello frame naming the rank of its writer,
// followed by data frames. Frames are prefixed by their length as a varint
// and their body is protobuf wire format, so unknown fields can be skipped.
const (
	protocolVersion = 1

	helloFieldVersion protowire.Number = 1
	helloFieldRank    protowire.Number = 2

	dataFieldTag     protowire.Number = 1
	dataFieldPayload protowire.Number = 2
)

type hello struct {
	version uint64
	rank    int
}

func appendHello(dst []byte, rank int) []byte {
	size := protowire.SizeTag(helloFieldVersion) + protowire.SizeVarint(protocolVersion) +
		protowire.SizeTag(helloFieldRank) + protowire.SizeVarint(uint64(rank))

	dst = protowire.AppendVarint(dst, uint64(size))
	dst = protowire.AppendTag(dst, helloFieldVersion, protowire.VarintType)
	dst = protowire.AppendVarint(dst, protocolVersion)
	dst = protowire.AppendTag(dst, helloFieldRank, protowire.VarintType)
	return protowire.AppendVarint(dst, uint64(rank))
}

// dataSize is the body size of the data frame carrying env, the quantity
// bounded by `Config.MaxFrameSize`.
func dataSize(env *mailbox.Envelope) int {
	tag := protowire.EncodeZigZag(int64(env.Tag))
	return protowire.SizeTag(dataFieldTag) + protowire.SizeVarint(tag) +
		protowire.SizeTag(dataFieldPayload) + protowire.SizeBytes(len(env.Payload))
}

func appendData(dst []byte, env *mailbox.Envelope) []byte {
	tag := protowire.EncodeZigZag(int64(env.Tag))
	dst = protowire.AppendVarint(dst, uint64(dataSize(env)))
	dst = protowire.AppendTag(dst, dataFieldTag, protowire.VarintType)
	dst = protowire.AppendVarint(dst, tag)
	dst = protowire.AppendTag(dst, dataFieldPayload, protowire.BytesType)
	return protowire.AppendBytes(dst, env.Payload)
}

// readFrame returns the body of the next frame. io.EOF is only returned
// when the stream ends cleanly between two frames.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for n < len(prefix) {
		m, err := r.Read(prefix[n : n+1])
		if err != nil {
			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if m != 0 {
			n++
			if prefix[n-1] < 0x80 {
				break
			}
		}
	}

	size, prefixSize := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrTooLargeFrame, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func parseHello(body []byte) (hello, error) {
	var h hello
	seenRank := false
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, field []byte) (int, bool, error) {
		switch {
		case num == helloFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			h.version = v
			return n, true, nil
		case num == helloFieldRank && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n >= 0 && v > uint64(maxRank) {
				return 0, true, fmt.Errorf("%w: rank %d in hello", ErrProtocolViolation, v)
			}
			h.rank = int(v)
			seenRank = true
			return n, true, nil
		}
		return 0, false, nil
	})
	if err != nil {
		return h, err
	}
	if h.version != protocolVersion {
		return h, fmt.Errorf("%w: unsupported protocol version %d", ErrProtocolViolation, h.version)
	}
	if !seenRank {
		return h, fmt.Errorf("%w: hello without rank", ErrProtocolViolation)
	}
	return h, nil
}

// parseData decodes a data frame. The payload aliases body.
func parseData(body []byte, source int) (mailbox.Envelope, error) {
	env := mailbox.Envelope{Source: source}
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, field []byte) (int, bool, error) {
		switch {
		case num == dataFieldTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			env.Tag = transport.Tag(protowire.DecodeZigZag(v))
			return n, true, nil
		case num == dataFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			env.Payload = v
			return n, true, nil
		}
		return 0, false, nil
	})
	return env, err
}

const maxRank = 1<<31 - 1

// walkFields calls fn for every field of a message. fn returns how many
// bytes of the value it consumed, or false to skip the field.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) (int, bool, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		b = b[n:]

		m, handled, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if !handled {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if err := protowire.ParseError(m); err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		b = b[m:]
	}
	return nil
}
