package quality

import (
	"fmt"
	"math"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
)

// Tuner applies bitrate bounds to outgoing video. Bitrate below Floor is
// raised to Floor.
type Tuner struct {
	Bitrate float64
	Floor   float64
}

// Effective is the bitrate actually applied, in bits per second.
func (t Tuner) Effective() uint64 {
	return uint64(math.Round(math.Max(math.Max(t.Bitrate, t.Floor), 0)))
}

func (t Tuner) floor() uint64 {
	return uint64(math.Round(math.Max(t.Floor, 0)))
}

// Result summarises one Apply pass. Err aggregates per-sender failures and
// is only meant for logging.
type Result struct {
	Tuned   int
	Skipped int
	Err     error
}

// Apply sets max/min bitrate and maintain-resolution on every encoding of
// every video sender and hints the sender tracks for detail. Each sender is
// attempted regardless of earlier failures.
func (t Tuner) Apply(senders []rtcManager.Sender) Result {
	var res Result
	maxBitrate, minBitrate := t.Effective(), t.floor()

	for i, s := range senders {
		if s == nil {
			res.Skipped++
			continue
		}
		track := s.Track()
		if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
			res.Skipped++
			continue
		}
		HintTrack(track)

		params := s.GetParameters()
		if len(params.Encodings) == 0 {
			params.Encodings = []rtcManager.EncodingParameters{{}}
		}
		for j := range params.Encodings {
			params.Encodings[j].MaxBitrate = maxBitrate
			params.Encodings[j].MinBitrate = minBitrate
			params.Encodings[j].DegradationPreference = rtcManager.DegradationMaintainResolution
		}
		params.DegradationPreference = rtcManager.DegradationMaintainResolution

		if err := s.SetParameters(params); err != nil {
			res.Err = multierr.Append(res.Err, fmt.Errorf("sender %d (track %q): %w", i, track.ID(), err))
			continue
		}
		res.Tuned++
	}
	return res
}

// HintTrack marks a video track for detail. It reports whether the track
// accepted the hint.
func HintTrack(track webrtc.TrackLocal) bool {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
		return false
	}
	h, ok := track.(rtcManager.ContentHinter)
	if !ok {
		return false
	}
	h.SetContentHint(rtcManager.ContentHintDetail)
	return true
}

// HintTracks marks every video track in tracks and returns how many took it.
func HintTracks[T webrtc.TrackLocal](tracks []T) int {
	n := 0
	for _, tr := range tracks {
		if HintTrack(tr) {
			n++
		}
	}
	return n
}
