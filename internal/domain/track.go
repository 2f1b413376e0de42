package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// TrackKinds lists every kind in publish order.
var TrackKinds = []TrackKind{TrackAudio, TrackVideo, TrackScreen}

func ParseTrackKind(s string) (TrackKind, error) {
	switch TrackKind(s) {
	case TrackAudio, TrackVideo, TrackScreen:
		return TrackKind(s), nil
	}
	return "", fmt.Errorf("unknown track kind %q", s)
}

// Constraints narrows what a device source may open.
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
	DeviceID  string
}

// TrackInfo describes a track without exposing the track object.
type TrackInfo struct {
	ID      string    `json:"id"`
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// RemoteTrack is a track received from one remote participant.
type RemoteTrack struct {
	ID       string    `json:"id"`
	Kind     TrackKind `json:"kind"`
	Owner    MemberID  `json:"owner"`
	StreamID string    `json:"streamId,omitempty"`
}

// RemoteTrackSet is a read-only snapshot of one participant's inbound tracks.
type RemoteTrackSet map[TrackKind]RemoteTrack

func (s RemoteTrackSet) Has(k TrackKind) bool {
	_, ok := s[k]
	return ok
}

// NewTrackID labels a local track so the receiving side can tell camera from
// screen even though both travel as video.
func NewTrackID(kind TrackKind) string {
	return string(kind) + ":" + uuid.NewString()
}

// KindFromTrackID recovers the kind from an id built by NewTrackID.
func KindFromTrackID(id string) (TrackKind, bool) {
	prefix, _, ok := strings.Cut(id, ":")
	if !ok {
		return "", false
	}
	k, err := ParseTrackKind(prefix)
	return k, err == nil
}
