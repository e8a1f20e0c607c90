// Package media adapts pion/mediadevices streams to the tracks a session
// attaches.
package media

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/giantstar-manager/warudo-cam/internal/rtcManager"
)

// Track is a mediadevices track that also carries a content hint.
type Track struct {
	mediadevices.Track

	mu   sync.RWMutex
	hint string
}

func NewTrack(t mediadevices.Track) *Track {
	return &Track{Track: t}
}

func (t *Track) SetContentHint(hint string) {
	t.mu.Lock()
	t.hint = hint
	t.mu.Unlock()
}

func (t *Track) ContentHint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hint
}

// Stream is a captured mediadevices stream with its tracks wrapped once, so
// hints set on them survive session rebuilds.
type Stream struct {
	stream mediadevices.MediaStream
	tracks []*Track

	closeOnce sync.Once
	closeErr  error
}

func NewStream(s mediadevices.MediaStream) *Stream {
	out := &Stream{stream: s}
	for _, t := range s.GetTracks() {
		out.tracks = append(out.tracks, NewTrack(t))
	}
	return out
}

// Tracks returns every track, audio included.
func (s *Stream) Tracks() []rtcManager.LocalTrack {
	out := make([]rtcManager.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Stream) VideoTracks() []rtcManager.LocalTrack {
	out := make([]rtcManager.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			out = append(out, t)
		}
	}
	return out
}

// Close stops every track. Later calls return the first result.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				s.closeErr = multierr.Append(s.closeErr, fmt.Errorf("track %s: %w", t.ID(), err))
			}
		}
	})
	return s.closeErr
}
