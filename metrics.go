package parcomm

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricExchangeOutBytes represents how much payload bytes have been
	// sent by exchange rounds.
	MetricExchangeOutBytes   = []string{"parcomm", "exchange", "out", "bytes"}
	MetricExchangeInBytes    = []string{"parcomm", "exchange", "in", "bytes"}
	MetricExchangeDurationMs = []string{"parcomm", "exchange", "duration", "ms"}
	MetricExchangeErrorCount = []string{"parcomm", "exchange", "error", "count"}
	MetricBroadcastBytes     = []string{"parcomm", "broadcast", "bytes"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelRank     TelemetryLabel = "rank"
	LabelRoot     TelemetryLabel = "root"
	LabelVariant  TelemetryLabel = "variant"
	LabelPartners TelemetryLabel = "partners"
	LabelBytesIn  TelemetryLabel = "bytes_in"
	LabelBytesOut TelemetryLabel = "bytes_out"
	LabelDuration TelemetryLabel = "duration"
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
