package rtcManager

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "sha-256 4A:AD:B9:B1:3F:82:18:3B:54:02:12:DF:3E:5D:49:6B:19:E5:7C:AB:3C:1A:C3:A8:E5:F1:D3:2F:B9:DF:BD:2C"

func buildSDP(sessionAttrs []string, media ...string) string {
	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	for _, a := range sessionAttrs {
		lines = append(lines, "a="+a)
	}
	lines = append(lines, media...)
	return strings.Join(lines, "\r\n") + "\r\n"
}

func videoSection(attrs ...string) string {
	lines := []string{
		"m=video 9 UDP/TLS/RTP/SAVPF 96 98",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:98 VP9/90000",
		"a=fmtp:98 profile-id=0",
		"a=sendrecv",
	}
	for _, a := range attrs {
		lines = append(lines, "a="+a)
	}
	return strings.Join(lines, "\r\n")
}

func audioSection(attrs ...string) string {
	lines := []string{
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:1",
		"a=rtpmap:111 opus/48000/2",
		"a=sendrecv",
	}
	for _, a := range attrs {
		lines = append(lines, "a="+a)
	}
	return strings.Join(lines, "\r\n")
}

var mediaCredentials = []string{"ice-ufrag:abcd", "ice-pwd:abcdefghijklmnopqrstuvwx", "fingerprint:" + testFingerprint}

func TestValidateRemoteDescription(t *testing.T) {
	tests := []struct {
		name  string
		desc  webrtc.SessionDescription
		field string
	}{
		{
			name: "valid with media level credentials",
			desc: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: buildSDP(nil, videoSection(mediaCredentials...))},
		},
		{
			name: "valid with session level credentials",
			desc: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: buildSDP(mediaCredentials, videoSection(), audioSection())},
		},
		{
			name:  "wrong type",
			desc:  webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: buildSDP(nil, videoSection(mediaCredentials...))},
			field: "Type",
		},
		{
			name:  "empty body",
			desc:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer},
			field: "SDP",
		},
		{
			name:  "garbage",
			desc:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "hello"},
			field: "SDP",
		},
		{
			name:  "no media",
			desc:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: buildSDP(mediaCredentials)},
			field: "Media",
		},
		{
			name:  "no ice credentials",
			desc:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: buildSDP(nil, videoSection("fingerprint:"+testFingerprint))},
			field: "ICE",
		},
		{
			name:  "no fingerprint",
			desc:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: buildSDP(nil, videoSection("ice-ufrag:abcd", "ice-pwd:abcdefghijklmnopqrstuvwx"))},
			field: "DTLS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRemoteDescription(tt.desc)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *SDPValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestApplyBandwidth(t *testing.T) {
	raw := buildSDP(mediaCredentials, videoSection(), audioSection())

	out, err := applyBandwidth(raw, 12_000_000)
	require.NoError(t, err)
	assert.Contains(t, out, "b=TIAS:12000000")
	assert.Contains(t, out, "b=AS:12000")

	parsed, err := parseSDP(out)
	require.NoError(t, err)
	require.Len(t, parsed.MediaDescriptions, 2)
	assert.Len(t, parsed.MediaDescriptions[0].Bandwidth, 2)
	assert.Empty(t, parsed.MediaDescriptions[1].Bandwidth, "audio is left alone")

	// applying twice replaces rather than appends
	again, err := applyBandwidth(out, 8_000_000)
	require.NoError(t, err)
	assert.NotContains(t, again, "b=TIAS:12000000")
	assert.Contains(t, again, "b=TIAS:8000000")

	unchanged, err := applyBandwidth(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, unchanged)
}
