package rtc

import (
	"sort"
	"strings"

	"github.com/kinovideo/kino/pkg/protocol"
)

// Participant is the sync-layer presentation entity for one room member.
// A participant can exist before its identity is known: when a media track
// arrives ahead of the matching trackInfo envelope, a placeholder record is
// created and later enriched. The reverse order (identity before track) is
// equally valid; both converge to the same final record.
type Participant struct {
	ID           string
	DisplayName  string
	IsHost       bool
	IsLocal      bool
	VideoTrackID string
	AudioTrackID string
	HasVideo     bool
	HasAudio     bool

	// Pending marks a placeholder still awaiting identity enrichment.
	Pending bool
}

const placeholderPrefix = "pending-"

// Registry is the single participant table, keyed by participant id, with
// a trackID → participantID index for track-first arrivals. It is owned
// exclusively by the orchestrator actor and is not safe for concurrent use.
type Registry struct {
	participants map[string]*Participant
	trackIndex   map[string]string
}

// NewRegistry creates a registry seeded with the local participant.
func NewRegistry(local Participant) *Registry {
	local.IsLocal = true
	r := &Registry{
		participants: make(map[string]*Participant),
		trackIndex:   make(map[string]string),
	}
	r.participants[local.ID] = &local
	return r
}

// ObserveTrack records an inbound media track. If identity for the track is
// already known the owning participant is updated; otherwise a placeholder
// participant is created and returned.
func (r *Registry) ObserveTrack(trackID string, kind TrackKind) Participant {
	if ownerID, ok := r.trackIndex[trackID]; ok {
		p := r.participants[ownerID]
		p.markTrack(trackID, kind)
		return *p
	}

	p := &Participant{ID: placeholderPrefix + trackID, Pending: true}
	p.markTrack(trackID, kind)
	r.participants[p.ID] = p
	r.trackIndex[trackID] = p.ID
	return *p
}

// ApplyTrackInfo records a participant identity announcement. Placeholders
// created for its tracks are folded into the identified record.
func (r *Registry) ApplyTrackInfo(info protocol.TrackInfo) Participant {
	p, ok := r.participants[info.ParticipantID]
	if !ok {
		p = &Participant{ID: info.ParticipantID}
		r.participants[p.ID] = p
	}
	p.DisplayName = info.Participant.Name
	p.IsHost = info.Participant.IsHost
	p.Pending = false

	r.adoptTrack(p, info.VideoTrackID, TrackKindVideo)
	r.adoptTrack(p, info.AudioTrackID, TrackKindAudio)
	return *p
}

// adoptTrack binds a track id to an identified participant, absorbing any
// placeholder that was holding it.
func (r *Registry) adoptTrack(p *Participant, trackID string, kind TrackKind) {
	if trackID == "" {
		return
	}
	if ownerID, ok := r.trackIndex[trackID]; ok && ownerID != p.ID {
		if placeholder, exists := r.participants[ownerID]; exists && placeholder.Pending {
			p.HasVideo = p.HasVideo || placeholder.HasVideo
			p.HasAudio = p.HasAudio || placeholder.HasAudio
			delete(r.participants, ownerID)
		}
	}
	r.trackIndex[trackID] = p.ID
	switch kind {
	case TrackKindVideo:
		p.VideoTrackID = trackID
	case TrackKindAudio:
		p.AudioTrackID = trackID
	}
}

// Get returns a copy of the participant with the given id.
func (r *Registry) Get(id string) (Participant, bool) {
	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Local returns the local participant record.
func (r *Registry) Local() Participant {
	for _, p := range r.participants {
		if p.IsLocal {
			return *p
		}
	}
	return Participant{}
}

// Snapshot returns copies of all participants, local first, then by id.
func (r *Registry) Snapshot() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsLocal != out[j].IsLocal {
			return out[i].IsLocal
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

func (p *Participant) markTrack(trackID string, kind TrackKind) {
	switch kind {
	case TrackKindVideo:
		p.VideoTrackID = trackID
		p.HasVideo = true
	case TrackKindAudio:
		p.AudioTrackID = trackID
		p.HasAudio = true
	}
}
