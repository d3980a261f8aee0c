package engine

import (
	"sort"

	"github.com/zsiec/mosaic/internal/queue"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/stats"
)

// Snapshot is a point-in-time view of the engine for the stats API.
type Snapshot struct {
	Started  bool                   `json:"started"`
	UptimeMs int64                  `json:"uptimeMs"`
	Inputs   []stats.InputSnapshot  `json:"inputs"`
	Outputs  []stats.OutputSnapshot `json:"outputs"`
	Device   *render.DeviceStats    `json:"device,omitempty"`
}

// Snapshot collects input and output statistics.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Started:  e.started.Load(),
		UptimeMs: e.now().Milliseconds(),
	}
	now := e.clock.Now()

	e.mu.RLock()
	for _, in := range e.inputs {
		s := in.stats.Snapshot()
		s.ID = in.id
		s.State = e.tracker.State(in.id).String()
		if rec, ok := e.tracker.Record(in.id); ok && rec.Received {
			s.LastFrameAgoMs = now.Sub(rec.LastArrival).Milliseconds()
		} else {
			s.LastFrameAgoMs = -1
		}
		if in.video != nil {
			s.VideoQueue = queueStats(in.video.Stats())
		}
		if in.audio != nil {
			s.AudioQueue = queueStats(in.audio.Stats())
		}
		snap.Inputs = append(snap.Inputs, s)
	}
	for _, o := range e.outputs {
		s := o.stats.Snapshot()
		s.ID = o.id
		s.Width, s.Height = o.res.Width, o.res.Height
		s.Framerate = o.framerate.String()
		s.Running = o.running.Load()
		s.Failed = o.failure()
		s.Sinks = o.relay.SinkCount()
		s.Presented = o.slot.Offered()
		if sc := e.store.Current(o.id); sc != nil {
			s.SceneVersion = sc.Version
		}
		snap.Outputs = append(snap.Outputs, s)
	}
	e.mu.RUnlock()

	sort.Slice(snap.Inputs, func(i, j int) bool { return snap.Inputs[i].ID < snap.Inputs[j].ID })
	sort.Slice(snap.Outputs, func(i, j int) bool { return snap.Outputs[i].ID < snap.Outputs[j].ID })
	if sd, ok := e.cfg.Device.(interface{ Stats() render.DeviceStats }); ok {
		ds := sd.Stats()
		snap.Device = &ds
	}
	return snap
}

func queueStats(s queue.Stats) stats.QueueStats {
	return stats.QueueStats{
		Pushed:  s.Pushed,
		Dropped: s.Dropped,
		Depth:   s.Depth,
		Readers: s.Readers,
		Resyncs: s.Resyncs,
	}
}
