package web

import (
	"net/http"
	"sort"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
)

// QueueResponse is the json form of the registry snapshot
type QueueResponse struct {
	ExecutingID    string    `json:"executing_id,omitempty"`
	ExecutingOwner string    `json:"executing_owner,omitempty"`
	ExecutingKind  string    `json:"executing_kind,omitempty"`
	IsExecuting    bool      `json:"is_executing"`
	TotalQueueSize int       `json:"total_queue_size"`
	OwnActiveJobs  int       `json:"own_active_jobs"`
	Timestamp      time.Time `json:"timestamp"`
}

// JobResponse is one tracked job in json form
type JobResponse struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	st := s.registry.Snapshot()
	resp := QueueResponse{
		ExecutingID:    st.ExecutingID,
		IsExecuting:    st.IsExecuting(),
		TotalQueueSize: st.TotalQueueSize,
		OwnActiveJobs:  st.OwnActiveCount(),
		Timestamp:      time.Now(),
	}
	if st.ExecutingOwner != "" {
		resp.ExecutingOwner = st.ExecutingOwner
		resp.ExecutingKind = st.ExecutingKind.String()
	}
	rest.RenderJSON(w, resp)
}

// GET /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	st := s.registry.Snapshot()
	jobs := make([]JobResponse, 0, len(st.OwnJobs))
	for _, j := range st.OwnJobs {
		jobs = append(jobs, JobResponse{ID: j.ID, Owner: j.Owner, Kind: j.Kind.String(), Status: j.Status.String()})
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	rest.RenderJSON(w, jobs)
}

// POST /api/v1/interrupt
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if s.interrupter == nil {
		http.Error(w, "interrupt not available", http.StatusNotImplemented)
		return
	}
	if err := s.interrupter.Interrupt(r.Context()); err != nil {
		log.Printf("[WARN] interrupt failed, %v", err)
		http.Error(w, "interrupt failed", http.StatusBadGateway)
		return
	}
	rest.RenderJSON(w, rest.JSON{"status": "ok"})
}
