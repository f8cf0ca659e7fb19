// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"firestige.xyz/usbview/internal/core"
)

var (
	// FramesTotal counts raw frames delivered by a backend
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_frames_total",
			Help: "Total number of raw frames delivered by capture backends",
		},
		[]string{"backend"},
	)

	// FrameBytesTotal counts raw frame bytes delivered by a backend
	FrameBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_frame_bytes_total",
			Help: "Total number of raw frame bytes delivered by capture backends",
		},
		[]string{"backend"},
	)

	// LateFramesTotal counts frames dropped after a forced stop closed the frame gate
	LateFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_late_frames_total",
			Help: "Total number of frames delivered after capture was stopped",
		},
		[]string{"backend"},
	)

	// PacketsTotal counts decoded packets by type
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_packets_total",
			Help: "Total number of decoded packets",
		},
		[]string{"type"},
	)

	// PacketBytesTotal counts decoded packet body bytes by type
	PacketBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_packet_bytes_total",
			Help: "Total number of decoded packet body bytes",
		},
		[]string{"type"},
	)

	// CaptureStopsTotal counts finished captures by outcome
	CaptureStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_capture_stops_total",
			Help: "Total number of finished captures (outcome=normal|abnormal|forced|failed)",
		},
		[]string{"backend", "outcome"},
	)

	// SessionsActive tracks sessions between Opening and Stopped
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usbview_sessions_active",
			Help: "Number of capture sessions currently open",
		},
	)

	// SinkErrorsTotal counts packets a sink failed to handle
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbview_sink_errors_total",
			Help: "Total number of sink failures",
		},
		[]string{"sink"},
	)

	// FeedClients tracks connected live feed clients
	FeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usbview_feed_clients",
			Help: "Number of connected live feed clients",
		},
	)

	// FeedDroppedTotal counts packet messages dropped for slow feed clients
	FeedDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usbview_feed_dropped_total",
			Help: "Total number of packet messages dropped for slow clients",
		},
	)
)

// Stop outcomes
const (
	OutcomeNormal   = "normal"
	OutcomeAbnormal = "abnormal"
	OutcomeForced   = "forced"
	OutcomeFailed   = "failed"
)

var typeLabels [core.NumPacketTypes]string

func init() {
	for i := range typeLabels {
		typeLabels[i] = core.PacketType(i).String()
	}
}

// PacketSink counts every appended packet. It is attached to the store.
type PacketSink struct{}

func (PacketSink) Consume(p core.Packet) {
	if int(p.Type) >= core.NumPacketTypes {
		return
	}
	label := typeLabels[p.Type]
	PacketsTotal.WithLabelValues(label).Inc()
	PacketBytesTotal.WithLabelValues(label).Add(float64(p.Length))
}
