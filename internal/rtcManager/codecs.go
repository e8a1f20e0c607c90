package rtcManager

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBTransportCC},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

func videoCodec(mime, fmtp string, pt webrtc.PayloadType) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     mime,
			ClockRate:    90000,
			SDPFmtpLine:  fmtp,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: pt,
	}
}

// VideoCodecs are registered in this order, which is also the default offer
// order before any preference is applied.
var VideoCodecs = []webrtc.RTPCodecParameters{
	videoCodec(webrtc.MimeTypeVP8, "", 96),
	videoCodec(webrtc.MimeTypeVP9, "profile-id=0", 98),
	videoCodec(webrtc.MimeTypeVP9, "profile-id=2", 100),
	videoCodec(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", 102),
	videoCodec(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f", 104),
	videoCodec(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640032", 106),
}

var AudioCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
}

func registerCodecs(me *webrtc.MediaEngine) error {
	for _, c := range AudioCodecs {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.MimeType, err)
		}
	}
	for _, c := range VideoCodecs {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("failed to register %s (%s): %w", c.MimeType, c.SDPFmtpLine, err)
		}
	}
	return nil
}

func isKind(c webrtc.RTPCodecParameters, kind webrtc.RTPCodecType) bool {
	return strings.HasPrefix(strings.ToLower(c.MimeType), kind.String()+"/")
}

func filterKind(codecs []webrtc.RTPCodecParameters, kind webrtc.RTPCodecType) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if isKind(c, kind) {
			out = append(out, c)
		}
	}
	return out
}
