package quicnet

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricFrameOutBytes represents how much payload bytes have been
	// written to peer streams.
	MetricFrameOutBytes       = []string{"parcomm", "quicnet", "frame", "out", "bytes"}
	MetricFrameOutErrorCount  = []string{"parcomm", "quicnet", "frame", "out", "error", "count"}
	MetricFrameInBytes        = []string{"parcomm", "quicnet", "frame", "in", "bytes"}
	MetricFrameInErrorCount   = []string{"parcomm", "quicnet", "frame", "in", "error", "count"}
	MetricStreamEstInCount    = []string{"parcomm", "quicnet", "stream", "establishment", "in", "count"}
	MetricStreamEstOutCount   = []string{"parcomm", "quicnet", "stream", "establishment", "out", "count"}
	MetricConnEstCount        = []string{"parcomm", "quicnet", "connection", "established", "count"}
	MetricConnErrorCount      = []string{"parcomm", "quicnet", "connection", "error", "count"}
	MetricDialRetryCount      = []string{"parcomm", "quicnet", "dial", "retry", "count"}
	MetricUDPBufferSizeBytes  = []string{"parcomm", "quicnet", "udp", "buffer", "size", "bytes"}
	MetricInboxBackpressureMs = []string{"parcomm", "quicnet", "inbox", "backpressure", "ms"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelRank     TelemetryLabel = "rank"
	LabelPeerRank TelemetryLabel = "peer_rank"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelStreamID TelemetryLabel = "stream_id"
	LabelAttempt  TelemetryLabel = "attempt"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
