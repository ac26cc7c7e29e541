package supervisor

import (
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
)

// Snapshot is the state of the current or last batch as of the last tick.
type Snapshot struct {
	RunID    string      `json:"run_id,omitempty"`
	Started  time.Time   `json:"started,omitzero"`
	Finished time.Time   `json:"finished,omitzero"`
	Total    int         `json:"total"`
	Done     int         `json:"done"`
	Pending  int         `json:"pending"`
	Running  []ActiveJob `json:"running"`
	Stats    model.Stats `json:"stats"`
}

type ActiveJob struct {
	Index   int     `json:"index"`
	Name    string  `json:"name"`
	Pid     int     `json:"pid"`
	Attempt int     `json:"attempt"`
	Runtime float64 `json:"runtime_seconds"`
}

// Snapshot may be called from any goroutine.
func (s *Supervisor) Snapshot() Snapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()
	snap := s.snap
	snap.Running = append([]ActiveJob(nil), s.snap.Running...)
	return snap
}

func (s *Supervisor) publish(b *batch) {
	snap := Snapshot{
		RunID:    b.run.ID.String(),
		Started:  b.run.Start,
		Finished: b.run.End,
		Total:    b.total,
		Done:     b.done(),
		Pending:  len(b.pending),
		Running:  make([]ActiveJob, 0, len(b.running)),
		Stats:    b.run.Stats(),
	}
	for _, h := range b.running {
		snap.Running = append(snap.Running, ActiveJob{
			Index:   h.Job().Index,
			Name:    h.Job().Name,
			Pid:     h.Pid(),
			Attempt: h.Attempt(),
			Runtime: h.Runtime().Seconds(),
		})
	}
	s.opts.Metrics.queues(snap.Pending, len(snap.Running))

	s.mx.Lock()
	s.snap = snap
	s.mx.Unlock()
}
