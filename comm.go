package parcomm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/parcomm/pkg/transport"
)

// Comm runs exchange rounds over a `transport.Transport`.
//
// Like the transport it wraps, a Comm belongs to one participant and MUST
// NOT be shared between goroutines. Every participant of the group MUST
// call the same collective operations in the same order.
type Comm struct {
	tr     transport.Transport
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func New(tr transport.Transport, opts ...Option) (*Comm, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: a transport is required", ErrInvalidCfg)
	}

	cfg := config{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}

	rank := strconv.Itoa(tr.Rank())
	return &Comm{
		tr:     tr,
		logger: slog.New(cfg.logHandler).With(LabelRank.L(tr.Rank())),
		msink:  cfg.msink,
		labels: append(slices.Clone(cfg.metricLabels), LabelRank.M(rank)),
	}, nil
}

func (c *Comm) Rank() int {
	return c.tr.Rank()
}

func (c *Comm) Size() int {
	return c.tr.Size()
}

func (c *Comm) Transport() transport.Transport {
	return c.tr
}

// Barrier blocks until every participant reached it.
func (c *Comm) Barrier(ctx context.Context) error {
	return c.tr.Barrier(ctx)
}

// record emits the telemetry of one finished round.
func (c *Comm) record(variant string, start time.Time, out, in int, err error) {
	labels := append(slices.Clone(c.labels), LabelVariant.M(variant))
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricExchangeErrorCount, 1.0, labels)
		c.logger.Warn("exchange failed", LabelVariant.L(variant), LabelError.L(err))
		return
	}

	elapsed := time.Since(start)
	c.msink.IncrCounterWithLabels(MetricExchangeOutBytes, float32(out), labels)
	c.msink.IncrCounterWithLabels(MetricExchangeInBytes, float32(in), labels)
	c.msink.AddSampleWithLabels(MetricExchangeDurationMs, float32(elapsed.Seconds()*1e3), labels)
	c.logger.Debug(
		"exchange completed",
		LabelVariant.L(variant),
		LabelBytesOut.L(out),
		LabelBytesIn.L(in),
		LabelDuration.L(elapsed),
	)
}
