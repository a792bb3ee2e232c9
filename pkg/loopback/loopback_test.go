package loopback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/raskyld/parcomm/pkg/transport"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(2, WithInboxCapacity(1))
	require.Error(t, err)

	g, err := New(3, WithInboxCapacity(4))
	require.NoError(t, err)
	require.Equal(t, 3, g.Size())
	for rank := range 3 {
		require.Equal(t, rank, g.Transport(rank).Rank())
		require.Equal(t, 3, g.Transport(rank).Size())
	}
}

func TestRunRing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, 4, func(ctx context.Context, tr transport.Transport) error {
		next := (tr.Rank() + 1) % tr.Size()
		prev := (tr.Rank() - 1 + tr.Size()) % tr.Size()

		buf := make([]byte, 1)
		req, err := tr.Irecv(prev, 5, buf)
		if err != nil {
			return err
		}
		if err := tr.Send(ctx, next, 5, []byte{byte(tr.Rank())}); err != nil {
			return err
		}
		if _, err := tr.Wait(ctx, req); err != nil {
			return err
		}
		if int(buf[0]) != prev {
			return fmt.Errorf("got %d from %d", buf[0], prev)
		}
		return tr.Barrier(ctx)
	}, WithInboxCapacity(2))
	require.NoError(t, err)
}

func TestRunCancelsOthersOnFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	boom := errors.New("boom")
	err := Run(ctx, 3, func(ctx context.Context, tr transport.Transport) error {
		if tr.Rank() == 1 {
			return boom
		}
		// Never completes since rank 1 gave up.
		return tr.Barrier(ctx)
	})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "rank 1")
}

func TestClosedGroupFails(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	ctx := context.Background()
	require.ErrorIs(t, g.Transport(0).Send(ctx, 1, 1, nil), transport.ErrShutdown)

	req, err := g.Transport(0).Irecv(1, 1, nil)
	require.NoError(t, err)
	_, err = g.Transport(0).Wait(ctx, req)
	require.ErrorIs(t, err, transport.ErrShutdown)
}
