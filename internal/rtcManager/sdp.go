package rtcManager

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

func parseSDP(raw string) (*sdp.SessionDescription, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, err
	}
	return parsed, nil
}

// attribute looks a key up on the media section first, then on the session.
func attribute(s *sdp.SessionDescription, m *sdp.MediaDescription, key string) (string, bool) {
	if v, ok := m.Attribute(key); ok {
		return v, true
	}
	return s.Attribute(key)
}

// ValidateRemoteDescription rejects descriptions a peer cannot possibly
// apply: unknown type, unparsable body, no audio or video, or missing ICE
// credentials and DTLS fingerprint.
func ValidateRemoteDescription(desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
	default:
		return &SDPValidationError{Field: "Type", Message: fmt.Sprintf("unexpected description type %q", desc.Type.String())}
	}
	if desc.SDP == "" {
		return &SDPValidationError{Field: "SDP", Message: "is empty"}
	}

	parsed, err := parseSDP(desc.SDP)
	if err != nil {
		return &SDPValidationError{Field: "SDP", Message: err.Error()}
	}

	if len(parsed.MediaDescriptions) == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}

	var hasAudio, hasVideo bool
	for i, m := range parsed.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			hasAudio = true
		case "video":
			hasVideo = true
		default:
			continue
		}

		if _, ok := attribute(parsed, m, "ice-ufrag"); !ok {
			return &SDPValidationError{Field: "ICE", Message: fmt.Sprintf("media section %d has no ICE credentials", i)}
		}
		fingerprint, ok := attribute(parsed, m, "fingerprint")
		if !ok {
			return &SDPValidationError{Field: "DTLS", Message: fmt.Sprintf("media section %d has no DTLS fingerprint", i)}
		}
		if fingerprint == "" {
			return &SDPValidationError{Field: "Fingerprint", Message: "empty DTLS fingerprint"}
		}
	}

	if !hasAudio && !hasVideo {
		return &SDPValidationError{Field: "Media", Message: "neither audio nor video tracks found"}
	}
	return nil
}

// applyBandwidth replaces the bandwidth lines of every video section with
// TIAS (bits/s) and AS (kbit/s) derived from bps.
func applyBandwidth(raw string, bps uint64) (string, error) {
	if bps == 0 {
		return raw, nil
	}
	parsed, err := parseSDP(raw)
	if err != nil {
		return raw, err
	}

	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		m.Bandwidth = []sdp.Bandwidth{
			{Type: "TIAS", Bandwidth: bps},
			{Type: "AS", Bandwidth: (bps + 999) / 1000},
		}
	}

	out, err := parsed.Marshal()
	if err != nil {
		return raw, err
	}
	return string(out), nil
}
