// Package codec ranks negotiable codecs so the preferred video family is
// offered first.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Family is a video codec family the session can prefer.
type Family string

const (
	VP9  Family = "vp9"
	H264 Family = "h264"
)

var ErrUnknownFamily = errors.New("unknown codec family")

// ParseFamily accepts "vp9" or "h264" in any case.
func ParseFamily(name string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(name))); f {
	case VP9, H264:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
}

func (f Family) mimePrefix() string {
	switch f {
	case VP9:
		return strings.ToLower(webrtc.MimeTypeVP9)
	case H264:
		return strings.ToLower(webrtc.MimeTypeH264)
	}
	return ""
}

// Matches reports whether c belongs to the family.
func (f Family) Matches(c webrtc.RTPCodecParameters) bool {
	prefix := f.mimePrefix()
	return prefix != "" && strings.HasPrefix(strings.ToLower(c.MimeType), prefix)
}

// Rank scores a codec within its family. Codecs of another family score 0.
func Rank(f Family, c webrtc.RTPCodecParameters) int {
	if !f.Matches(c) {
		return 0
	}
	fmtp := strings.ToLower(c.SDPFmtpLine)

	score := 100
	switch f {
	case H264:
		switch {
		case strings.Contains(fmtp, "profile-level-id=640033"):
			score += 40
		case strings.Contains(fmtp, "profile-level-id=6400"):
			score += 30
		case strings.Contains(fmtp, "profile-level-id=4d"):
			score += 10
		}
	case VP9:
		switch {
		case strings.Contains(fmtp, "profile-id=0"):
			score += 40
		case strings.Contains(fmtp, "profile-id=2"):
			score -= 20
		case fmtp == "":
			score += 30
		}
	}
	return score
}

// Order places codecs of family f first, best rank first, followed by the
// rest in their original order. ok is false when caps holds no codec of the
// family, in which case negotiation should be left alone.
func Order(f Family, caps []webrtc.RTPCodecParameters) (ordered []webrtc.RTPCodecParameters, ok bool) {
	var preferred, others []webrtc.RTPCodecParameters
	for _, c := range caps {
		if f.Matches(c) {
			preferred = append(preferred, c)
		} else {
			others = append(others, c)
		}
	}
	if len(preferred) == 0 {
		return nil, false
	}

	sort.SliceStable(preferred, func(i, j int) bool {
		return Rank(f, preferred[i]) > Rank(f, preferred[j])
	})

	ordered = make([]webrtc.RTPCodecParameters, 0, len(caps))
	ordered = append(ordered, preferred...)
	ordered = append(ordered, others...)
	return ordered, true
}

// Preferable is the part of a transceiver the selector drives.
// *webrtc.RTPTransceiver satisfies it.
type Preferable interface {
	Kind() webrtc.RTPCodecType
	Mid() string
	SetCodecPreferences([]webrtc.RTPCodecParameters) error
}

// Result summarises one Apply pass. Err aggregates per-transceiver failures
// and is only meant for logging.
type Result struct {
	Applied int
	Skipped int
	Err     error
}

// Apply sets the ordering on every video transceiver and on every
// transceiver that has no mid yet. A failure on one transceiver does not
// stop the others.
func Apply(f Family, caps []webrtc.RTPCodecParameters, transceivers []Preferable) Result {
	var res Result

	ordered, ok := Order(f, caps)
	if !ok {
		res.Skipped = len(transceivers)
		return res
	}

	for i, t := range transceivers {
		if t == nil {
			res.Skipped++
			continue
		}
		if t.Kind() != webrtc.RTPCodecTypeVideo && t.Mid() != "" {
			res.Skipped++
			continue
		}
		if err := t.SetCodecPreferences(ordered); err != nil {
			res.Err = multierr.Append(res.Err, fmt.Errorf("transceiver %d (mid %q): %w", i, t.Mid(), err))
			continue
		}
		res.Applied++
	}
	return res
}
