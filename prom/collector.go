package prom

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"vj-decoder/statistics"
	"vj-decoder/types"
	"vj-decoder/vj"
)

const maxPayloadSamples = 100

type frameLabel struct {
	kind    types.PacketKind
	outcome string
}

// DecoderCollector decodes frames through a session and exports what
// happened to them.
type DecoderCollector struct {
	Flows    map[types.FlowKey]*types.FlowStats
	FlowsMux sync.RWMutex

	session *vj.Session
	counted map[types.FrameID]struct{}
	frames  map[frameLabel]uint64
	errors  map[vj.ErrorKind]uint64
	invalid uint64

	flowCount           *prometheus.Desc
	framesTotal         *prometheus.Desc
	decodeErrors        *prometheus.Desc
	invalidPackets      *prometheus.Desc
	refreshes           *prometheus.Desc
	compressed          *prometheus.Desc
	replays             *prometheus.Desc
	flowErrors          *prometheus.Desc
	degraded            *prometheus.Desc
	headerBytesSaved    *prometheus.Desc
	compressionRatio    *prometheus.Desc
	payloadBytes        *prometheus.Desc
	payloadSizeVariance *prometheus.Desc
	flowHealth          *prometheus.Desc
	flowUptime          *prometheus.Desc
	skippedFrames       *prometheus.Desc
	filteredFrames      *prometheus.Desc
	captureSkipped      uint64
	captureFiltered     uint64
	captureMux          sync.RWMutex
}

func NewDecoderCollector(session *vj.Session) *DecoderCollector {
	flowLabels := []string{"direction", "conn"}
	return &DecoderCollector{
		Flows:   make(map[types.FlowKey]*types.FlowStats),
		session: session,
		counted: make(map[types.FrameID]struct{}),
		frames:  make(map[frameLabel]uint64),
		errors:  make(map[vj.ErrorKind]uint64),
		flowCount: prometheus.NewDesc(
			"vj_flow_count", "Number of VJ flows seen", nil, nil,
		),
		framesTotal: prometheus.NewDesc(
			"vj_frames_total", "Frames processed by packet kind and outcome",
			[]string{"kind", "outcome"}, nil,
		),
		decodeErrors: prometheus.NewDesc(
			"vj_decode_errors_total", "Frames that could not be decoded by error kind",
			[]string{"error"}, nil,
		),
		invalidPackets: prometheus.NewDesc(
			"vj_invalid_reconstructed_packets_total", "Reconstructed packets the IPv4/TCP decoder rejected", nil, nil,
		),
		refreshes: prometheus.NewDesc(
			"vj_flow_refreshes_total", "Uncompressed packets per flow",
			flowLabels, nil,
		),
		compressed: prometheus.NewDesc(
			"vj_flow_compressed_total", "Compressed packets decoded per flow",
			flowLabels, nil,
		),
		replays: prometheus.NewDesc(
			"vj_flow_replays_total", "Frames decoded again per flow",
			flowLabels, nil,
		),
		flowErrors: prometheus.NewDesc(
			"vj_flow_errors_total", "Frames per flow that could not be decoded",
			flowLabels, nil,
		),
		degraded: prometheus.NewDesc(
			"vj_flow_degraded_total", "Frames per flow whose payload was cut short by the capture",
			flowLabels, nil,
		),
		headerBytesSaved: prometheus.NewDesc(
			"vj_flow_header_bytes_saved_total", "Header bytes that did not cross the link",
			flowLabels, nil,
		),
		compressionRatio: prometheus.NewDesc(
			"vj_flow_compression_ratio", "Share of header bytes saved by compression (0-1)",
			flowLabels, nil,
		),
		payloadBytes: prometheus.NewDesc(
			"vj_flow_payload_bytes_total", "Captured payload bytes per flow",
			flowLabels, nil,
		),
		payloadSizeVariance: prometheus.NewDesc(
			"vj_flow_payload_size_variance", "Variance in payload sizes (coefficient of variation)",
			flowLabels, nil,
		),
		flowHealth: prometheus.NewDesc(
			"vj_flow_health_score", "Flow decoding health score (0-100, 100=perfect)",
			flowLabels, nil,
		),
		flowUptime: prometheus.NewDesc(
			"vj_flow_uptime_seconds", "Time between the first and last frame of a flow",
			flowLabels, nil,
		),
		skippedFrames: prometheus.NewDesc(
			"capture_skipped_frames_total", "Number of frames that were not VJ packets", nil, nil,
		),
		filteredFrames: prometheus.NewDesc(
			"capture_filtered_frames_total", "Number of frames rejected by the packet filter", nil, nil,
		),
	}
}

func (c *DecoderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.flowCount
	ch <- c.framesTotal
	ch <- c.decodeErrors
	ch <- c.invalidPackets
	ch <- c.refreshes
	ch <- c.compressed
	ch <- c.replays
	ch <- c.flowErrors
	ch <- c.degraded
	ch <- c.headerBytesSaved
	ch <- c.compressionRatio
	ch <- c.payloadBytes
	ch <- c.payloadSizeVariance
	ch <- c.flowHealth
	ch <- c.flowUptime
	ch <- c.skippedFrames
	ch <- c.filteredFrames
}

func (c *DecoderCollector) Collect(ch chan<- prometheus.Metric) {
	c.FlowsMux.RLock()
	defer c.FlowsMux.RUnlock()

	for key, flow := range c.Flows {
		labels := []string{key.Direction.String(), fmt.Sprintf("%d", key.Conn)}

		ch <- prometheus.MustNewConstMetric(c.refreshes, prometheus.CounterValue, float64(flow.Refreshes), labels...)
		ch <- prometheus.MustNewConstMetric(c.compressed, prometheus.CounterValue, float64(flow.Compressed), labels...)
		ch <- prometheus.MustNewConstMetric(c.replays, prometheus.CounterValue, float64(flow.Replays), labels...)
		ch <- prometheus.MustNewConstMetric(c.flowErrors, prometheus.CounterValue, float64(flow.Errors), labels...)
		ch <- prometheus.MustNewConstMetric(c.degraded, prometheus.CounterValue, float64(flow.Degraded), labels...)
		ch <- prometheus.MustNewConstMetric(c.payloadBytes, prometheus.CounterValue, float64(flow.PayloadBytes), labels...)

		saved := statistics.CalculateHeaderSavings(flow.WireHeaderBytes, flow.ReconstructedHeaderBytes)
		ch <- prometheus.MustNewConstMetric(c.headerBytesSaved, prometheus.CounterValue, float64(saved), labels...)

		if flow.ReconstructedHeaderBytes > 0 {
			ratio := statistics.CalculateCompressionRatio(flow.WireHeaderBytes, flow.ReconstructedHeaderBytes)
			ch <- prometheus.MustNewConstMetric(c.compressionRatio, prometheus.GaugeValue, ratio, labels...)
		}

		if len(flow.PayloadSize) > 1 {
			payloadSizeCV := statistics.CalculateIntCV(flow.PayloadSize)
			ch <- prometheus.MustNewConstMetric(c.payloadSizeVariance, prometheus.GaugeValue, payloadSizeCV, labels...)
		}

		uptime := statistics.CalculateUptime(flow)
		ch <- prometheus.MustNewConstMetric(c.flowUptime, prometheus.GaugeValue, uptime.Seconds(), labels...)

		healthScore := statistics.CalculateHealthScore(flow)
		ch <- prometheus.MustNewConstMetric(c.flowHealth, prometheus.GaugeValue, healthScore, labels...)
	}
	ch <- prometheus.MustNewConstMetric(
		c.flowCount, prometheus.GaugeValue, float64(len(c.session.Flows())),
	)

	for l, n := range c.frames {
		ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue, float64(n), l.kind.String(), l.outcome)
	}
	for k, n := range c.errors {
		ch <- prometheus.MustNewConstMetric(c.decodeErrors, prometheus.CounterValue, float64(n), k.String())
	}
	ch <- prometheus.MustNewConstMetric(
		c.invalidPackets, prometheus.CounterValue, float64(c.invalid),
	)

	c.captureMux.RLock()
	ch <- prometheus.MustNewConstMetric(
		c.skippedFrames, prometheus.CounterValue, float64(c.captureSkipped),
	)
	ch <- prometheus.MustNewConstMetric(
		c.filteredFrames, prometheus.CounterValue, float64(c.captureFiltered),
	)
	c.captureMux.RUnlock()
}

// ProcessFrame decodes f and records the outcome. ts is the capture
// timestamp of the frame.
func (c *DecoderCollector) ProcessFrame(f vj.Frame, ts time.Time) (vj.Result, error) {
	res, err := c.session.Decode(f)

	c.FlowsMux.Lock()
	defer c.FlowsMux.Unlock()

	_, seen := c.counted[f.ID]
	c.counted[f.ID] = struct{}{}

	if err != nil {
		c.frames[frameLabel{f.Kind, "error"}]++
		if seen {
			return res, err
		}
		c.errors[vj.KindOf(err)]++
		var de *vj.DecodeError
		if errors.As(err, &de) && de.Conn != nil {
			flow := c.flow(types.FlowKey{Conn: *de.Conn, Direction: f.Direction}, ts)
			flow.Errors++
		}
		return res, err
	}

	flow := c.flow(res.Flow, ts)
	if seen || res.Replay {
		c.frames[frameLabel{f.Kind, "replayed"}]++
		flow.Replays++
		return res, nil
	}
	c.frames[frameLabel{f.Kind, "decoded"}]++

	switch res.Kind {
	case types.KindUncompressed:
		flow.Refreshes++
	case types.KindCompressed:
		flow.Compressed++
	}
	if res.PayloadTruncated {
		flow.Degraded++
	}

	flow.WireHeaderBytes += uint64(len(f.Data) - len(res.Payload))
	flow.ReconstructedHeaderBytes += uint64(len(res.Header))
	flow.PayloadBytes += uint64(len(res.Payload))
	if len(res.Payload) > 0 {
		flow.PayloadSize = append(flow.PayloadSize, len(res.Payload))
		if len(flow.PayloadSize) > maxPayloadSamples {
			flow.PayloadSize = flow.PayloadSize[1:]
		}
	}

	c.interpret(flow, res)
	return res, nil
}

// flow returns the stats of key, creating them the first time. Caller holds
// FlowsMux.
func (c *DecoderCollector) flow(key types.FlowKey, ts time.Time) *types.FlowStats {
	flow, exists := c.Flows[key]
	if !exists {
		flow = &types.FlowStats{Key: key, FirstSeen: ts}
		c.Flows[key] = flow
	}
	if ts.After(flow.LastSeen) {
		flow.LastSeen = ts
	}
	return flow
}

// interpret hands the reconstructed packet to the IPv4/TCP decoder.
func (c *DecoderCollector) interpret(flow *types.FlowStats, res vj.Result) {
	packet := gopacket.NewPacket(res.Packet(), layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		c.invalid++
		slog.Debug("Reconstructed packet does not decode as TCP", "flow", res.Flow.String(), "error", packet.ErrorLayer())
		return
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	flow.LastSeq = tcp.Seq
	flow.LastAck = tcp.Ack
}

func (c *DecoderCollector) UpdateCaptureStats(skipped, filtered int) {
	c.captureMux.Lock()
	defer c.captureMux.Unlock()
	c.captureSkipped = uint64(skipped)
	c.captureFiltered = uint64(filtered)
}

// StatelessFlows lists the flows that have stats but no decoder state: every
// frame attributed to them failed before a refresh was seen.
func (c *DecoderCollector) StatelessFlows() []types.FlowKey {
	c.FlowsMux.RLock()
	keys := lo.Keys(c.Flows)
	c.FlowsMux.RUnlock()

	keys = lo.Without(keys, c.session.Flows()...)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Direction != keys[j].Direction {
			return keys[i].Direction < keys[j].Direction
		}
		return keys[i].Conn < keys[j].Conn
	})
	return keys
}
