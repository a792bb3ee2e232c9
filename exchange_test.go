package parcomm_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/parcomm"
	"github.com/raskyld/parcomm/pkg/loopback"
	"github.com/raskyld/parcomm/pkg/transport"
	"github.com/stretchr/testify/require"
)

func logHandler(rank int) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(fmt.Sprintf("rank%d", rank))},
	})
}

// runGroup runs fn on every rank of an in-process group.
func runGroup(t *testing.T, size int, fn func(ctx context.Context, c *parcomm.Comm) error, opts ...parcomm.Option) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	return loopback.Run(ctx, size, func(ctx context.Context, tr transport.Transport) error {
		c, err := parcomm.New(tr, append([]parcomm.Option{parcomm.WithLog(logHandler(tr.Rank()))}, opts...)...)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	}, loopback.WithInboxCapacity(4))
}

type cell struct {
	Owner int32
	Index int32
	Mass  float64
}

func cellsFor(from, to, n int) []cell {
	cells := make([]cell, n)
	for i := range cells {
		cells[i] = cell{Owner: int32(from), Index: int32(i), Mass: float64(from*100 + to)}
	}
	return cells
}

func requireCells(from, to int, got []cell, n int) error {
	want := cellsFor(from, to, n)
	if !slices.Equal(want, got) {
		return fmt.Errorf("from %d: got %v, want %v", from, got, want)
	}
	return nil
}

func TestExchangeUnknownSizes(t *testing.T) {
	const size = 4
	count := func(from, to int) int { return (from*3 + to) % 4 }

	err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
		me := c.Rank()
		send := make([][]cell, size)
		for p := range size {
			send[p] = cellsFor(me, p, count(me, p))
		}
		recv := make([][]cell, size)

		if err := parcomm.ExchangeUnknownSizes(ctx, c, send, recv); err != nil {
			return err
		}
		for p := range size {
			if err := requireCells(p, me, recv[p], count(p, me)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExchangeSymmetric(t *testing.T) {
	const size = 5
	count := func(a, b int) int { return min(a, b) + 1 }

	err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
		me := c.Rank()
		send := make([][]cell, size)
		for p := range size {
			send[p] = cellsFor(me, p, count(me, p))
		}
		recv := make([][]cell, size)

		if err := parcomm.ExchangeSymmetric(ctx, c, send, recv); err != nil {
			return err
		}
		for p := range size {
			if err := requireCells(p, me, recv[p], count(p, me)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExchangeOffsets(t *testing.T) {
	const size = 3
	count := func(from, to int) int { return from + 2*to }

	offsets := func(n func(p int) int) []int {
		offs := make([]int, size+1)
		for p := range size {
			offs[p+1] = offs[p] + n(p)
		}
		return offs
	}

	err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
		me := c.Rank()
		sendOffs := offsets(func(p int) int { return count(me, p) })
		recvOffs := offsets(func(p int) int { return count(p, me) })

		sendData := make([]int64, 0, sendOffs[size])
		for p := range size {
			for i := range count(me, p) {
				sendData = append(sendData, int64(me*1000+p*10+i))
			}
		}
		recvData := make([]int64, recvOffs[size])

		if err := parcomm.ExchangeOffsets(ctx, c, sendOffs, sendData, recvOffs, recvData); err != nil {
			return err
		}
		for p := range size {
			for i, v := range recvData[recvOffs[p]:recvOffs[p+1]] {
				if want := int64(p*1000 + me*10 + i); v != want {
					return fmt.Errorf("from %d element %d: got %d, want %d", p, i, v, want)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExchangeSymmetricUnknownSizes(t *testing.T) {
	const size = 6
	count := func(from, to int) int { return (from + 2*to) % 3 }

	err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
		me := c.Rank()
		partners := []int{(me + size - 1) % size, (me + 1) % size}

		send := make([][]cell, size)
		for _, p := range partners {
			send[p] = cellsFor(me, p, count(me, p))
		}
		recv := make([][]cell, size)
		for p := range recv {
			recv[p] = []cell{{Owner: -1}}
		}

		if err := parcomm.ExchangeSymmetricUnknownSizes(ctx, c, partners, send, recv); err != nil {
			return err
		}
		for p := range size {
			if !slices.Contains(partners, p) {
				if len(recv[p]) != 0 {
					return fmt.Errorf("non partner %d left %d elements", p, len(recv[p]))
				}
				continue
			}
			if err := requireCells(p, me, recv[p], count(p, me)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExchangePackUnpack(t *testing.T) {
	const size = 4
	count := func(a, b int) int { return a + b }

	for _, order := range []parcomm.CompletionOrder{parcomm.PartnerOrder, parcomm.ArrivalOrder} {
		t.Run(order.String(), func(t *testing.T) {
			var (
				lock     sync.Mutex
				unpacked = make(map[int][]int)
			)
			err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
				me := c.Rank()
				// Every rank, including ourselves, in a rank-specific order.
				partners := make([]int, size)
				for i := range partners {
					partners[i] = (me + i) % size
				}

				var seen []int
				err := parcomm.ExchangePackUnpack(ctx, c, partners,
					func(p int) []cell { return cellsFor(me, p, count(me, p)) },
					func(p int, data []cell) error {
						seen = append(seen, p)
						return requireCells(p, me, data, count(p, me))
					},
					order,
				)
				lock.Lock()
				unpacked[me] = seen
				lock.Unlock()
				if err != nil {
					return err
				}

				if order == parcomm.PartnerOrder && !slices.Equal(seen, partners) {
					return fmt.Errorf("unpacked %v, want %v", seen, partners)
				}
				return nil
			})
			require.NoError(t, err)
			for rank, seen := range unpacked {
				slices.Sort(seen)
				require.Equal(t, []int{0, 1, 2, 3}, seen, "rank %d", rank)
			}
		})
	}
}

func TestOnlyOnePairTalks(t *testing.T) {
	err := runGroup(t, 4, func(ctx context.Context, c *parcomm.Comm) error {
		send := make([][]int64, 4)
		recv := make([][]int64, 4)

		var partners []int
		switch c.Rank() {
		case 0:
			partners = []int{2}
			send[2] = []int64{11, 22, 33}
		case 2:
			partners = []int{0}
		}

		if err := parcomm.ExchangeSymmetricUnknownSizes(ctx, c, partners, send, recv); err != nil {
			return err
		}
		if c.Rank() == 2 && !slices.Equal(recv[0], []int64{11, 22, 33}) {
			return fmt.Errorf("rank 2 received %v from rank 0", recv[0])
		}
		for p, data := range recv {
			if len(data) > 0 && (c.Rank() != 2 || p != 0) {
				return fmt.Errorf("rank %d received %v from rank %d", c.Rank(), data, p)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestArrivalOrderUnpacksEveryPartnerOnce(t *testing.T) {
	const size = 3
	for run := range 20 {
		var (
			lock  sync.Mutex
			calls = make(map[[2]int]int)
		)
		err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
			me := c.Rank()
			var partners []int
			for p := range size {
				if p != me {
					partners = append(partners, p)
				}
			}
			return parcomm.ExchangePackUnpack(ctx, c, partners,
				func(p int) []int64 { return []int64{int64(me*10 + p)} },
				func(p int, data []int64) error {
					if len(data) != 1 || data[0] != int64(p*10+me) {
						return fmt.Errorf("from %d: got %v", p, data)
					}
					lock.Lock()
					calls[[2]int{p, me}]++
					lock.Unlock()
					return nil
				},
				parcomm.ArrivalOrder,
			)
		})
		require.NoError(t, err, "run %d", run)
		require.Len(t, calls, size*(size-1), "run %d", run)
		for pair, n := range calls {
			require.Equal(t, 1, n, "run %d: %d to %d", run, pair[0], pair[1])
		}
	}
}

func TestExchangePackUnpackDetectsAsymmetricSizes(t *testing.T) {
	err := runGroup(t, 2, func(ctx context.Context, c *parcomm.Comm) error {
		me := c.Rank()
		return parcomm.ExchangePackUnpack(ctx, c, []int{1 - me},
			func(p int) []cell { return cellsFor(me, p, 2-me) },
			func(p int, data []cell) error { return nil },
			parcomm.PartnerOrder,
		)
	})
	require.ErrorIs(t, err, parcomm.ErrSizeMismatch)
	require.ErrorIs(t, err, transport.ErrTruncated)
}

func TestPreconditionsAreCheckedBeforeAnyTraffic(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		run  func(c *parcomm.Comm) error
		want error
	}{
		{"unknown sizes with missing slots", func(c *parcomm.Comm) error {
			return parcomm.ExchangeUnknownSizes(ctx, c, make([][]cell, 2), make([][]cell, 3))
		}, parcomm.ErrPrecondition},
		{"symmetric with missing slots", func(c *parcomm.Comm) error {
			return parcomm.ExchangeSymmetric(ctx, c, make([][]cell, 3), make([][]cell, 1))
		}, parcomm.ErrPrecondition},
		{"reference type payload", func(c *parcomm.Comm) error {
			return parcomm.ExchangeSymmetric(ctx, c, make([][]string, 3), make([][]string, 3))
		}, parcomm.ErrReferencePack},
		{"offsets too short", func(c *parcomm.Comm) error {
			return parcomm.ExchangeOffsets(ctx, c, []int{0, 1, 2}, make([]int32, 2), []int{0, 0, 0, 0}, nil)
		}, parcomm.ErrPrecondition},
		{"offsets decreasing", func(c *parcomm.Comm) error {
			return parcomm.ExchangeOffsets(ctx, c, []int{0, 2, 1, 3}, make([]int32, 3), []int{0, 0, 0, 0}, nil)
		}, parcomm.ErrPrecondition},
		{"offsets past data", func(c *parcomm.Comm) error {
			return parcomm.ExchangeOffsets(ctx, c, []int{0, 0, 0, 0}, nil, []int{0, 1, 2, 4}, make([]int32, 3))
		}, parcomm.ErrPrecondition},
		{"data for a non partner", func(c *parcomm.Comm) error {
			send := [][]cell{nil, nil, {{}}}
			return parcomm.ExchangeSymmetricUnknownSizes(ctx, c, []int{1}, send, make([][]cell, 3))
		}, parcomm.ErrPrecondition},
		{"partner out of range", func(c *parcomm.Comm) error {
			return parcomm.ExchangeSymmetricUnknownSizes(ctx, c, []int{3}, make([][]cell, 3), make([][]cell, 3))
		}, transport.ErrInvalidRank},
		{"duplicate partner", func(c *parcomm.Comm) error {
			return parcomm.ExchangePackUnpack(ctx, c, []int{1, 1},
				func(int) []cell { return nil },
				func(int, []cell) error { return nil },
				parcomm.ArrivalOrder,
			)
		}, parcomm.ErrPrecondition},
		{"unknown completion order", func(c *parcomm.Comm) error {
			return parcomm.ExchangePackUnpack(ctx, c, []int{1},
				func(int) []cell { return nil },
				func(int, []cell) error { return nil },
				parcomm.CompletionOrder(9),
			)
		}, parcomm.ErrPrecondition},
		{"counts of the wrong length", func(c *parcomm.Comm) error {
			_, err := parcomm.ReceiveCounts(ctx, c, []int{1, 2})
			return err
		}, parcomm.ErrPrecondition},
		{"negative count", func(c *parcomm.Comm) error {
			_, err := parcomm.ReceiveCounts(ctx, c, []int{1, -2, 0})
			return err
		}, parcomm.ErrPrecondition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewMockTransport(0, 3)
			c, err := parcomm.New(tr, parcomm.WithLog(logHandler(0)))
			require.NoError(t, err)

			require.ErrorIs(t, tc.run(c), tc.want)
			tr.requireNoTraffic(t)
		})
	}
}

func TestReceiveCounts(t *testing.T) {
	const size = 5
	err := runGroup(t, size, func(ctx context.Context, c *parcomm.Comm) error {
		me := c.Rank()
		send := make([]int, size)
		for p := range send {
			send[p] = me*10 + p
		}

		recv, err := parcomm.ReceiveCounts(ctx, c, send)
		if err != nil {
			return err
		}
		for p, n := range recv {
			if n != p*10+me {
				return fmt.Errorf("count from %d: got %d", p, n)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReceiveCountsAloneSkipsTheTransport(t *testing.T) {
	tr := NewMockTransport(0, 1)
	c, err := parcomm.New(tr)
	require.NoError(t, err)

	recv, err := parcomm.ReceiveCounts(context.Background(), c, []int{7})
	require.NoError(t, err)
	require.Equal(t, []int{7}, recv)
	tr.requireNoTraffic(t)
}

func TestExchangeMetrics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, 5*time.Minute)
	err := runGroup(t, 2, func(ctx context.Context, c *parcomm.Comm) error {
		send := [][]cell{cellsFor(c.Rank(), 0, 1), cellsFor(c.Rank(), 1, 1)}
		return parcomm.ExchangeSymmetric(ctx, c, send, make([][]cell, 2))
	}, parcomm.WithMetricSink(sink), parcomm.WithMetricLabels([]metrics.Label{{Name: "app", Value: "test"}}))
	require.NoError(t, err)

	intervals := sink.Data()
	require.NotEmpty(t, intervals)
	var outBytes float64
	for _, interval := range intervals {
		for name, counter := range interval.Counters {
			if strings.HasPrefix(name, strings.Join(parcomm.MetricExchangeOutBytes, ".")) {
				require.Contains(t, name, "variant=symmetric")
				require.Contains(t, name, "app=test")
				outBytes += counter.Sum
			}
		}
	}
	// Two ranks sending one cell to each participant.
	require.Equal(t, float64(2*2*16), outBytes)
}

func TestNewRejectsNilTransport(t *testing.T) {
	_, err := parcomm.New(nil)
	require.ErrorIs(t, err, parcomm.ErrInvalidCfg)
}
