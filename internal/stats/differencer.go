// Package stats turns cumulative WebRTC counters into per-interval metrics.
package stats

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Sample is the differencing baseline carried from one poll to the next.
type Sample struct {
	Timestamp      time.Time
	OutboundBytes  uint64
	InboundBytes   uint64
	OutboundFrames uint32
	InboundFrames  uint32
	Valid          bool
}

type Resolution struct {
	Width  uint32
	Height uint32
}

// Metrics are derived fresh on every poll.
type Metrics struct {
	Timestamp            time.Time
	BitrateBps           float64
	Resolution           Resolution
	FPS                  float64
	PacketLossPercent    float64
	Codec                string
	JitterSeconds        float64
	RoundTripTimeSeconds float64
}

type classified struct {
	outbound      *webrtc.OutboundRTPStreamStats
	inbound       *webrtc.InboundRTPStreamStats
	remoteInbound *webrtc.RemoteInboundRTPStreamStats
	pair          *webrtc.ICECandidatePairStats
	codecs        map[string]webrtc.CodecStats
}

const kindVideo = "video"

// classify walks the report once in ID order, keeping the last video entry of
// each category. pion stores most entries as values, some callers pointers.
func classify(report webrtc.StatsReport) classified {
	c := classified{codecs: map[string]webrtc.CodecStats{}}

	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		switch s := report[id].(type) {
		case webrtc.CodecStats:
			c.codecs[s.ID] = s
		case *webrtc.CodecStats:
			if s != nil {
				c.codecs[s.ID] = *s
			}
		case webrtc.OutboundRTPStreamStats:
			if s.Kind == kindVideo {
				c.outbound = &s
			}
		case *webrtc.OutboundRTPStreamStats:
			if s != nil && s.Kind == kindVideo {
				c.outbound = s
			}
		case webrtc.InboundRTPStreamStats:
			if s.Kind == kindVideo {
				c.inbound = &s
			}
		case *webrtc.InboundRTPStreamStats:
			if s != nil && s.Kind == kindVideo {
				c.inbound = s
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if s.Kind == kindVideo {
				c.remoteInbound = &s
			}
		case *webrtc.RemoteInboundRTPStreamStats:
			if s != nil && s.Kind == kindVideo {
				c.remoteInbound = s
			}
		case webrtc.ICECandidatePairStats:
			if selectedPair(&s) {
				c.pair = &s
			}
		case *webrtc.ICECandidatePairStats:
			if s != nil && selectedPair(s) {
				c.pair = s
			}
		}
	}
	return c
}

func selectedPair(p *webrtc.ICECandidatePairStats) bool {
	return p.State == webrtc.StatsICECandidatePairStateSucceeded && p.Nominated
}

// ComputeMetrics derives metrics from report against prev and returns the
// baseline for the next call. It has no state of its own; now is used only
// when the report carries no RTP timestamp.
func ComputeMetrics(report webrtc.StatsReport, prev Sample, now time.Time) (Metrics, Sample) {
	c := classify(report)

	ts := now
	switch {
	case c.outbound != nil && c.outbound.Timestamp > 0:
		ts = c.outbound.Timestamp.Time()
	case c.inbound != nil && c.inbound.Timestamp > 0:
		ts = c.inbound.Timestamp.Time()
	}

	next := Sample{Timestamp: ts, Valid: true}
	if c.outbound != nil {
		next.OutboundBytes = c.outbound.BytesSent
		next.OutboundFrames = c.outbound.FramesEncoded
	}
	if c.inbound != nil {
		next.InboundBytes = c.inbound.BytesReceived
		next.InboundFrames = c.inbound.FramesDecoded
	}

	var elapsed float64
	if prev.Valid {
		elapsed = ts.Sub(prev.Timestamp).Seconds()
	}

	m := Metrics{Timestamp: ts}

	if elapsed > 0 {
		var sendBps, recvBps float64
		if c.outbound != nil {
			sendBps = float64(delta64(next.OutboundBytes, prev.OutboundBytes)) * 8 / elapsed
		}
		if c.inbound != nil {
			recvBps = float64(delta64(next.InboundBytes, prev.InboundBytes)) * 8 / elapsed
		}
		m.BitrateBps = sendBps + recvBps
	}

	switch {
	case c.outbound != nil && c.outbound.FrameWidth > 0:
		m.Resolution = Resolution{Width: c.outbound.FrameWidth, Height: c.outbound.FrameHeight}
	case c.inbound != nil:
		m.Resolution = Resolution{Width: c.inbound.FrameWidth, Height: c.inbound.FrameHeight}
	}

	switch {
	case c.outbound != nil && c.outbound.FramesPerSecond > 0:
		m.FPS = c.outbound.FramesPerSecond
	case elapsed > 0 && c.outbound != nil:
		m.FPS = float64(delta32(next.OutboundFrames, prev.OutboundFrames)) / elapsed
	case elapsed > 0 && c.inbound != nil:
		m.FPS = float64(delta32(next.InboundFrames, prev.InboundFrames)) / elapsed
	}

	if c.inbound != nil {
		lost := math.Max(float64(c.inbound.PacketsLost), 0)
		total := lost + float64(c.inbound.PacketsReceived)
		if total > 0 {
			m.PacketLossPercent = lost / total * 100
		}
		m.JitterSeconds = c.inbound.Jitter
	}

	switch {
	case c.remoteInbound != nil:
		m.RoundTripTimeSeconds = c.remoteInbound.RoundTripTime
	case c.pair != nil:
		m.RoundTripTimeSeconds = c.pair.CurrentRoundTripTime
	}

	m.Codec = codecName(c)

	m.BitrateBps = nonNegative(m.BitrateBps)
	m.FPS = nonNegative(m.FPS)
	m.PacketLossPercent = nonNegative(m.PacketLossPercent)
	m.JitterSeconds = nonNegative(m.JitterSeconds)
	m.RoundTripTimeSeconds = nonNegative(m.RoundTripTimeSeconds)

	return m, next
}

// codecName prefers the outbound codec and falls back to the inbound one
// when the outbound reference cannot be resolved.
func codecName(c classified) string {
	if c.outbound != nil {
		if name := c.codecMime(c.outbound.CodecID); name != "" {
			return name
		}
	}
	if c.inbound != nil {
		return c.codecMime(c.inbound.CodecID)
	}
	return ""
}

func (c classified) codecMime(id string) string {
	if id == "" {
		return ""
	}
	codec, ok := c.codecs[id]
	if !ok || codec.MimeType == "" {
		return ""
	}
	mime := codec.MimeType
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		mime = mime[i+1:]
	}
	return strings.ToUpper(mime)
}

func delta64(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func delta32(cur, prev uint32) uint32 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
