package rendezvous

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/parcomm"
)

const metaVersion uint32 = 1

// gossip advertises our data-plane address in the node metadata and tells
// `Await` when membership changes.
type gossip struct {
	logger  *slog.Logger
	meta    []byte
	changed chan struct{}
}

func newGossip(logger *slog.Logger, dataAddr string) (*gossip, error) {
	meta, err := encodeMeta(dataAddr)
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, ErrInvalidMeta
	}
	return &gossip{
		logger:  logger,
		meta:    meta,
		changed: make(chan struct{}, 1),
	}, nil
}

func (g *gossip) notify() {
	select {
	case g.changed <- struct{}{}:
	default:
	}
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.notify()
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.notify()
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
	g.notify()
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		g.logger.Error("node metadata exceeds limit", "limit", limit, "size", len(g.meta))
		return nil
	}
	return g.meta
}

// Nothing but membership travels over the gossip layer.
func (g *gossip) NotifyMsg([]byte)                           {}
func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *gossip) LocalState(join bool) []byte                { return nil }
func (g *gossip) MergeRemoteState(buf []byte, join bool)     {}

func encodeMeta(dataAddr string) ([]byte, error) {
	return parcomm.Encode(func(b *parcomm.Buffer) error {
		if err := parcomm.PackValue(b, metaVersion); err != nil {
			return err
		}
		return b.PackString(dataAddr)
	})
}

func decodeMeta(meta []byte) (string, error) {
	b := parcomm.NewBuffer(meta)
	version, err := parcomm.UnpackValue[uint32](b)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}
	if version != metaVersion {
		return "", fmt.Errorf("%w: version %d", ErrInvalidMeta, version)
	}
	addr, err := b.UnpackString()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMeta, err)
	}
	return addr, nil
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With("node", node.Name, "addr", node.Address())
}
