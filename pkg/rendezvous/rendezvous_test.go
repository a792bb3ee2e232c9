package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func nodeHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func create(t *testing.T, name, dataAddr string, opts ...Option) *Rendezvous {
	t.Helper()
	opts = append([]Option{
		WithListenOn("127.0.0.1", 0),
		WithNodeName(name),
		WithLog(nodeHandler(name)),
		WithLeaveTimeout(time.Second),
	}, opts...)
	rdv, err := Create(dataAddr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rdv.Shutdown() })
	return rdv
}

func TestEveryMemberAgreesOnTheGroup(t *testing.T) {
	const size = 3
	// Created in reverse order so ranks do not follow join order.
	nodes := make([]*Rendezvous, size)
	first := create(t, "node2", "10.0.0.2:4000", WithGroupSize(size))
	nodes[0] = first
	for i := 1; i < size; i++ {
		idx := size - 1 - i
		nodes[i] = create(
			t,
			fmt.Sprintf("node%d", idx),
			fmt.Sprintf("10.0.0.%d:4000", idx),
			WithGroupSize(size),
			WithNeighbours([]string{first.Addr()}),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	groups := make([]Group, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for i, rdv := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rdv.Join(); err != nil {
				errs[i] = err
				return
			}
			groups[i], errs[i] = rdv.Await(ctx)
		}()
	}
	wg.Wait()

	wantNames := []string{"node0", "node1", "node2"}
	wantAddrs := []string{"10.0.0.0:4000", "10.0.0.1:4000", "10.0.0.2:4000"}
	ranks := make(map[int]bool)
	for i, group := range groups {
		require.NoError(t, errs[i])
		require.Equal(t, wantNames, group.Names)
		require.Equal(t, wantAddrs, group.Addrs)
		require.Equal(t, size, group.Size())
		ranks[group.Rank] = true
	}
	require.Len(t, ranks, size)

	// nodes[0] is "node2", so it gets the last rank.
	require.Equal(t, 2, groups[0].Rank)
}

func TestAwaitTimesOutWithoutEnoughMembers(t *testing.T) {
	rdv := create(t, "lonely", "127.0.0.1:4000", WithGroupSize(2))
	require.NoError(t, rdv.Join())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := rdv.Await(ctx)
	require.ErrorIs(t, err, ErrNotEnoughParticipation)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitRejectsTooManyMembers(t *testing.T) {
	first := create(t, "a", "127.0.0.1:4000", WithGroupSize(1))
	second := create(t, "b", "127.0.0.1:4001", WithNeighbours([]string{first.Addr()}))
	require.NoError(t, second.Join())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Wait for the join to be known on both sides.
	require.Eventually(t, func() bool {
		return first.ml.NumMembers() == 2
	}, 10*time.Second, 50*time.Millisecond)

	_, err := first.Await(ctx)
	require.ErrorIs(t, err, ErrTooManyMembers)
}

func TestOptionsValidation(t *testing.T) {
	_, err := Create("127.0.0.1:4000", WithGroupSize(0))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrInvalidGroupSize)
}

func TestMetaRoundTrip(t *testing.T) {
	meta, err := encodeMeta("192.168.1.10:7946")
	require.NoError(t, err)

	addr, err := decodeMeta(meta)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.10:7946", addr)

	_, err = decodeMeta(nil)
	require.ErrorIs(t, err, ErrInvalidMeta)

	_, err = decodeMeta(meta[:len(meta)-1])
	require.ErrorIs(t, err, ErrInvalidMeta)
}
