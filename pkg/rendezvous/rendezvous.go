// Package rendezvous lets the processes of a future group discover each
// other over a gossip protocol and agree on their ranks.
//
// Every process advertises the address of its data plane. Once the expected
// number of processes are members, `Await` returns the same `Group` on every
// one of them: ranks follow the lexical order of node names.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/parcomm/pkg/transport"
)

var (
	ErrInvalidCfg             = errors.New("rendezvous: invalid options")
	ErrInvalidGroupSize       = errors.New("rendezvous: group size must be at least 1")
	ErrInvalidMeta            = errors.New("rendezvous: invalid node metadata")
	ErrJoinCluster            = errors.New("rendezvous: could not join cluster")
	ErrTooManyMembers         = errors.New("rendezvous: more members than the group size")
	ErrNotEnoughParticipation = errors.New("rendezvous: not enough cluster participation")
)

const defaultLeaveTimeout = 5 * time.Second

// Group is the outcome of a rendezvous.
type Group struct {
	// Rank of the local process.
	Rank int
	// Names and Addrs of every member, indexed by rank.
	Names []string
	Addrs []string
}

func (g Group) Size() int {
	return len(g.Names)
}

type Rendezvous struct {
	config config
	logger *slog.Logger
	gossip *gossip
	ml     *memberlist.Memberlist
}

// Create starts the gossip protocol. dataAddr is advertised to the other
// members as the address our data plane listens on.
func Create(dataAddr string, opts ...Option) (*Rendezvous, error) {
	rdv := &Rendezvous{}
	rdv.config.mlCfg = memberlist.DefaultLANConfig()
	rdv.config.mlCfg.LogOutput = nil
	rdv.config.groupSize = 1
	rdv.config.leaveTimeout = defaultLeaveTimeout

	for _, opt := range opts {
		if err := opt(&rdv.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if rdv.config.logHandler != nil {
		rdv.logger = slog.New(rdv.config.logHandler)
		rdv.config.mlCfg.Logger = slog.NewLogLogger(rdv.config.logHandler, slog.LevelDebug)
	} else {
		rdv.logger = slog.Default()
		rdv.config.mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	g, err := newGossip(rdv.logger, dataAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	rdv.gossip = g
	rdv.config.mlCfg.Delegate = g
	rdv.config.mlCfg.Events = g

	ml, err := memberlist.Create(rdv.config.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	rdv.ml = ml
	rdv.logger = rdv.logger.With("node", ml.LocalNode().Name)
	return rdv, nil
}

// Addr is where other processes reach our gossip protocol.
func (rdv *Rendezvous) Addr() string {
	return rdv.ml.LocalNode().Address()
}

// Join contacts the configured neighbours. A process without neighbours
// waits for the others to join it.
func (rdv *Rendezvous) Join() error {
	if len(rdv.config.neighbours) == 0 {
		return nil
	}

	joined, err := rdv.ml.Join(rdv.config.neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	rdv.logger.Info("cluster joined")
	if len(rdv.config.neighbours) != joined {
		rdv.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(rdv.config.neighbours),
		)
	}
	return nil
}

// Await blocks until the group is complete and returns it.
func (rdv *Rendezvous) Await(ctx context.Context) (Group, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		group, ok, err := rdv.snapshot()
		if err != nil {
			return Group{}, err
		}
		if ok {
			rdv.logger.Info("group assembled", "rank", group.Rank, "size", group.Size())
			return group, nil
		}

		select {
		case <-rdv.gossip.changed:
		case <-ticker.C:
		case <-ctx.Done():
			return Group{}, fmt.Errorf(
				"%w: %d of %d members: %w",
				ErrNotEnoughParticipation, rdv.ml.NumMembers(), rdv.config.groupSize, ctx.Err(),
			)
		}
	}
}

func (rdv *Rendezvous) snapshot() (Group, bool, error) {
	members := rdv.ml.Members()
	if len(members) > rdv.config.groupSize {
		return Group{}, false, fmt.Errorf("%w: %d > %d", ErrTooManyMembers, len(members), rdv.config.groupSize)
	}
	if len(members) < rdv.config.groupSize {
		return Group{}, false, nil
	}

	slices.SortFunc(members, func(a, b *memberlist.Node) int {
		return strings.Compare(a.Name, b.Name)
	})

	local := rdv.ml.LocalNode().Name
	group := Group{
		Rank:  transport.Undefined,
		Names: make([]string, len(members)),
		Addrs: make([]string, len(members)),
	}
	for rank, node := range members {
		addr, err := decodeMeta(node.Meta)
		if err != nil {
			// The metadata may not have propagated yet.
			withLogNode(rdv.logger, node).Debug("waiting for node metadata", "error", err)
			return Group{}, false, nil
		}
		group.Names[rank] = node.Name
		group.Addrs[rank] = addr
		if node.Name == local {
			group.Rank = rank
		}
	}
	return group, group.Rank != transport.Undefined, nil
}

// Shutdown leaves the cluster and stops the gossip protocol.
func (rdv *Rendezvous) Shutdown() error {
	if err := rdv.ml.Leave(rdv.config.leaveTimeout); err != nil {
		rdv.logger.Warn("could not propagate leave", "error", err)
	}
	return rdv.ml.Shutdown()
}
