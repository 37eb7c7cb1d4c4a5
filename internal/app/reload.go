package app

import (
	"errors"
	"log"

	"github.com/petervdpas/goopbeat/internal/config"
	"github.com/petervdpas/goopbeat/internal/proto"
	"github.com/petervdpas/goopbeat/internal/session"
)

type playbackUpdater interface {
	UpdatePlayback(p proto.PlaybackPatch) error
}

type muter interface {
	SetMute(bool)
}

// reloader applies a changed config file to a running peer. Mute and, on the
// leader, tempo, meter and lead-in take effect at once; everything else needs
// a restart.
type reloader struct {
	cur  config.Config
	sess playbackUpdater
	out  muter
}

func (r *reloader) apply(next config.Config) {
	prev := r.cur
	r.cur = next

	if next.Audio.Mute != prev.Audio.Mute {
		r.out.SetMute(next.Audio.Mute)
		log.Printf("CONFIG: mute=%v", next.Audio.Mute)
	}

	if p, ok := playbackPatch(prev.Playback, next.Playback); ok {
		switch err := r.sess.UpdatePlayback(p); {
		case err == nil:
			log.Printf("CONFIG: playback updated")
		case errors.Is(err, session.ErrNotLeader), errors.Is(err, session.ErrNotJoined):
			log.Printf("CONFIG: playback change ignored, not the leader")
		default:
			log.Printf("CONFIG: playback change rejected: %v", err)
		}
	}

	if restartNeeded(prev, next) {
		log.Printf("CONFIG: room, transport or listener settings changed; restart the peer to apply")
	}
}

// playbackPatch carries only the fields that changed.
func playbackPatch(prev, next config.Playback) (proto.PlaybackPatch, bool) {
	var p proto.PlaybackPatch
	changed := false
	if next.BPM != prev.BPM {
		bpm := next.BPM
		p.BPM = &bpm
		changed = true
	}
	if next.BeatsPerBar != prev.BeatsPerBar {
		n := next.BeatsPerBar
		p.BeatsPerBar = &n
		changed = true
	}
	if next.LeadInMs != prev.LeadInMs {
		lead := float64(next.LeadInMs)
		p.LeadInMs = &lead
		changed = true
	}
	return p, changed
}

func restartNeeded(prev, next config.Config) bool {
	return prev.Room != next.Room ||
		prev.Transport.Kind != next.Transport.Kind ||
		prev.Transport.RendezvousURL != next.Transport.RendezvousURL ||
		prev.Transport.ListenPort != next.Transport.ListenPort ||
		prev.Control != next.Control ||
		prev.Rendezvous != next.Rendezvous ||
		prev.Sync != next.Sync ||
		prev.Scheduler != next.Scheduler
}
