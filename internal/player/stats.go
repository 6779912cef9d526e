package player

import (
	"time"

	"github.com/zsiec/reel/internal/decode"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// StreamStats is a snapshot of one stream's pipeline counters.
type StreamStats struct {
	Index     int              `json:"index"`
	Kind      media.StreamKind `json:"kind"`
	Codec     media.CodecID    `json:"codec"`
	Selected  bool             `json:"selected"`
	Failed    bool             `json:"failed"`
	Presented int64            `json:"presented"`
	Late      int64            `json:"late"`
	Trimmed   int64            `json:"trimmed"`
	SinkDrops int64            `json:"sinkDrops"`

	Decode  decode.Stats      `json:"decode"`
	Packets queue.PacketStats `json:"packets"`
	Frames  queue.FrameStats  `json:"frames"`

	QueuedPackets int `json:"queuedPackets"`
	QueuedFrames  int `json:"queuedFrames"`
}

// OverflowDrops counts frames evicted from a full queue.
func (s StreamStats) OverflowDrops() int64 {
	return s.Frames.OverflowDrops
}

// Stats is a point-in-time snapshot of the player.
type Stats struct {
	ID            string        `json:"id"`
	State         State         `json:"state"`
	Position      time.Duration `json:"position"`
	Duration      time.Duration `json:"duration"`
	Rate          float64       `json:"rate"`
	Master        string        `json:"master,omitempty"`
	EventsDropped int64         `json:"eventsDropped"`
	Demux         demux.Stats   `json:"demux"`
	Streams       []StreamStats `json:"streams,omitempty"`
}

func (p *Player) Stats() Stats {
	s := Stats{
		ID:            p.id,
		State:         p.State(),
		Position:      p.CurrentTime(),
		Duration:      p.Duration(),
		Rate:          p.Rate(),
		EventsDropped: p.eventsDropped.Load(),
	}
	pipe := p.pipe.Load()
	if pipe == nil {
		return s
	}
	s.Master = pipe.sync.Master().String()
	s.Demux = pipe.demux.Stats()
	for _, t := range pipe.tracks {
		ss := StreamStats{
			Index:         t.desc.Index,
			Kind:          t.desc.Kind,
			Codec:         t.desc.Codec,
			Selected:      t.selected.Load(),
			Failed:        t.failed.Load(),
			Presented:     t.presented.Load(),
			Late:          t.late.Load(),
			Trimmed:       t.trimmed.Load(),
			SinkDrops:     t.sinkDrops.Load(),
			Packets:       t.packets.Stats(),
			Frames:        t.frames.Stats(),
			QueuedPackets: t.packets.Len(),
			QueuedFrames:  t.frames.Len(),
		}
		if dec := t.dec.Load(); dec != nil {
			ss.Decode = dec.Stats()
		}
		s.Streams = append(s.Streams, ss)
	}
	return s
}
