package media

import (
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
)

// stubTrack implements the parts of mediadevices.Track the wrappers touch.
type stubTrack struct {
	mediadevices.Track
	id       string
	kind     webrtc.RTPCodecType
	closes   int
	closeErr error
}

func (s *stubTrack) ID() string                { return s.id }
func (s *stubTrack) Kind() webrtc.RTPCodecType { return s.kind }
func (s *stubTrack) Close() error {
	s.closes++
	return s.closeErr
}

func TestTrackContentHint(t *testing.T) {
	tr := NewTrack(&stubTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo})
	var hinter rtcManager.ContentHinter = tr
	assert.Empty(t, hinter.ContentHint())
	hinter.SetContentHint(rtcManager.ContentHintDetail)
	assert.Equal(t, rtcManager.ContentHintDetail, tr.ContentHint())
}

func TestStream(t *testing.T) {
	video := &stubTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo}
	audio := &stubTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio, closeErr: errors.New("busy")}

	ms, err := mediadevices.NewMediaStream(video, audio)
	require.NoError(t, err)
	s := NewStream(ms)

	assert.Len(t, s.Tracks(), 2)
	videos := s.VideoTracks()
	require.Len(t, videos, 1)
	assert.Equal(t, "cam", videos[0].ID())

	// wrappers are stable across calls
	videos[0].(*Track).SetContentHint(rtcManager.ContentHintDetail)
	assert.Equal(t, rtcManager.ContentHintDetail, s.VideoTracks()[0].(*Track).ContentHint())

	err = s.Close()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	require.Error(t, s.Close())
	assert.Equal(t, 1, video.closes)
	assert.Equal(t, 1, audio.closes)
}
