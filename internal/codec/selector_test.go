package codec

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func capability(mime, fmtp string, pt webrtc.PayloadType) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000, SDPFmtpLine: fmtp},
		PayloadType:        pt,
	}
}

var (
	h264Main  = capability(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f", 104)
	h264High  = capability(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640032", 106)
	h264High5 = capability(webrtc.MimeTypeH264, "profile-level-id=640033", 108)
	h264Base  = capability(webrtc.MimeTypeH264, "profile-level-id=42e01f", 102)
	vp9P0     = capability(webrtc.MimeTypeVP9, "profile-id=0", 98)
	vp9P2     = capability(webrtc.MimeTypeVP9, "profile-id=2", 100)
	vp9Bare   = capability(webrtc.MimeTypeVP9, "", 101)
	vp8       = capability(webrtc.MimeTypeVP8, "", 96)
	opus      = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
)

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("VP9")
	require.NoError(t, err)
	assert.Equal(t, VP9, f)

	f, err = ParseFamily(" h264 ")
	require.NoError(t, err)
	assert.Equal(t, H264, f)

	_, err = ParseFamily("mp3")
	require.ErrorIs(t, err, ErrUnknownFamily)
}

func TestRank(t *testing.T) {
	tests := []struct {
		name   string
		family Family
		codec  webrtc.RTPCodecParameters
		want   int
	}{
		{"h264 high 5.1", H264, h264High5, 140},
		{"h264 high", H264, h264High, 130},
		{"h264 main", H264, h264Main, 110},
		{"h264 baseline", H264, h264Base, 100},
		{"vp9 profile 0", VP9, vp9P0, 140},
		{"vp9 no profile", VP9, vp9Bare, 130},
		{"vp9 profile 2", VP9, vp9P2, 80},
		{"other family", VP9, h264High, 0},
		{"audio", H264, opus, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rank(tt.family, tt.codec))
		})
	}
}

func TestOrder(t *testing.T) {
	t.Run("vp9 first then original order", func(t *testing.T) {
		got, ok := Order(VP9, []webrtc.RTPCodecParameters{h264Main, vp9P0, vp9P2, opus})
		require.True(t, ok)
		assert.Equal(t, []webrtc.RTPCodecParameters{vp9P0, vp9P2, h264Main, opus}, got)
	})

	t.Run("ranked within family", func(t *testing.T) {
		got, ok := Order(VP9, []webrtc.RTPCodecParameters{vp9P2, vp8, vp9Bare, vp9P0})
		require.True(t, ok)
		assert.Equal(t, []webrtc.RTPCodecParameters{vp9P0, vp9Bare, vp9P2, vp8}, got)
	})

	t.Run("equal ranks keep their order", func(t *testing.T) {
		other := capability(webrtc.MimeTypeH264, "profile-level-id=42001f", 103)
		got, ok := Order(H264, []webrtc.RTPCodecParameters{vp8, h264Base, other, h264High})
		require.True(t, ok)
		assert.Equal(t, []webrtc.RTPCodecParameters{h264High, h264Base, other, vp8}, got)
	})

	t.Run("family absent", func(t *testing.T) {
		got, ok := Order(H264, []webrtc.RTPCodecParameters{vp8, vp9P0, opus})
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("case insensitive mime", func(t *testing.T) {
		lower := capability("video/vp9", "profile-id=0", 98)
		got, ok := Order(VP9, []webrtc.RTPCodecParameters{vp8, lower})
		require.True(t, ok)
		assert.Equal(t, lower, got[0])
	})
}

type fakeTransceiver struct {
	kind  webrtc.RTPCodecType
	mid   string
	err   error
	prefs []webrtc.RTPCodecParameters
	calls int
}

func (f *fakeTransceiver) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTransceiver) Mid() string               { return f.mid }
func (f *fakeTransceiver) SetCodecPreferences(c []webrtc.RTPCodecParameters) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.prefs = c
	return nil
}

func TestApply(t *testing.T) {
	caps := []webrtc.RTPCodecParameters{h264Main, vp9P0, vp9P2}

	video := &fakeTransceiver{kind: webrtc.RTPCodecTypeVideo, mid: "0"}
	broken := &fakeTransceiver{kind: webrtc.RTPCodecTypeVideo, mid: "1", err: errors.New("unsupported")}
	audio := &fakeTransceiver{kind: webrtc.RTPCodecTypeAudio, mid: "2"}
	pending := &fakeTransceiver{kind: webrtc.RTPCodecTypeAudio}
	later := &fakeTransceiver{kind: webrtc.RTPCodecTypeVideo, mid: "3"}

	res := Apply(VP9, caps, []Preferable{video, broken, audio, pending, later})

	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	require.Error(t, res.Err)
	assert.Len(t, multierr.Errors(res.Err), 1)

	want := []webrtc.RTPCodecParameters{vp9P0, vp9P2, h264Main}
	assert.Equal(t, want, video.prefs)
	assert.Equal(t, want, pending.prefs)
	assert.Equal(t, want, later.prefs, "failure on one transceiver must not stop the rest")
	assert.Equal(t, 0, audio.calls)
}

func TestApply_NoPreference(t *testing.T) {
	video := &fakeTransceiver{kind: webrtc.RTPCodecTypeVideo, mid: "0"}
	res := Apply(H264, []webrtc.RTPCodecParameters{vp8}, []Preferable{video})
	assert.Equal(t, 0, res.Applied)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, video.calls)
}
