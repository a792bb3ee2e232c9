package rendezvous

import (
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type config struct {
	mlCfg        *memberlist.Config
	logHandler   slog.Handler
	metricLabels []metrics.Label
	neighbours   []string
	groupSize    int
	leaveTimeout time.Duration
}

// Option to pass to `Create`.
type Option func(*config) error

// WithListenOn specifies which interface the gossip protocol binds. A zero
// port picks a free one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithNodeName specifies which name should be exposed to other peers when
// joining. Ranks are assigned in the order of names, so they MUST be
// unique.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the gossip
// protocol.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithGroupSize is the number of participants `Await` waits for.
func WithGroupSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return ErrInvalidGroupSize
		}
		c.groupSize = size
		return nil
	}
}

// WithLeaveTimeout bounds how long `Shutdown` waits for our departure to
// propagate.
func WithLeaveTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.leaveTimeout = timeout
		return nil
	}
}
