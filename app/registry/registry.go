// Package registry tracks generation jobs submitted to the server and
// reconciles the local view with streamed events and the polled queue
// listing. It is the single source of truth for "what work is mine, what
// is running and how busy the server is". All mutators are safe for
// concurrent use and publish an immutable snapshot to subscribers on
// every effective change.
package registry

import (
	"context"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// subscriber channel buffer, snapshots are small and updates infrequent
const subBuffer = 64

// Registry owns the mutable queue state. Events coming from the server
// may be duplicated, reordered or lost; every operation is a total
// function over the current state and unknown ids are tolerated
// everywhere. The periodic UpdateFromQueue call is the self-healing pass
// converging local bookkeeping to server truth.
type Registry struct {
	mu     sync.RWMutex
	state  QueueState
	subs   map[int]chan QueueState
	subSeq int
}

// New makes an empty registry
func New() *Registry {
	return &Registry{
		state: QueueState{OwnJobs: map[string]TrackedJob{}},
		subs:  map[int]chan QueueState{},
	}
}

// Snapshot returns a copy of the current state
func (r *Registry) Snapshot() QueueState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}

// Subscribe returns a channel of state snapshots. The current snapshot is
// delivered immediately, then every published change in order. The channel
// is closed when ctx is done.
func (r *Registry) Subscribe(ctx context.Context) <-chan QueueState {
	r.mu.Lock()
	r.subSeq++
	id := r.subSeq
	ch := make(chan QueueState, subBuffer)
	ch <- r.state.clone() // replay last value to the new subscriber
	r.subs[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, id)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

// update applies fn to a copy of the state under lock and publishes the
// result if anything changed. This is the only mutation path, making
// compute-then-publish atomic for all callers.
func (r *Registry) update(fn func(st *QueueState)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.clone()
	fn(&next)
	if next.equal(r.state) {
		return
	}
	r.state = next
	for id, ch := range r.subs {
		select {
		case ch <- next.clone():
		default:
			log.Printf("[WARN] subscriber %d channel full, dropping snapshot", id)
		}
	}
}

// Register adds a new pending job. Re-registration of a known id is
// tolerated, last write wins.
func (r *Registry) Register(id, owner string, kind ContentKind) {
	if id == "" {
		log.Printf("[WARN] attempt to register job with empty id, owner %s", owner)
		return
	}
	log.Printf("[INFO] register job %s, owner %s, kind %s", id, owner, kind)
	r.update(func(st *QueueState) {
		st.OwnJobs[id] = TrackedJob{ID: id, Owner: owner, Kind: kind, Status: JobStatusPending}
	})
}

// Owner returns the submitting owner of a tracked job
func (r *Registry) Owner(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.state.OwnJobs[id]
	return j.Owner, ok
}

// Kind returns the content kind of a tracked job
func (r *Registry) Kind(id string) (ContentKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.state.OwnJobs[id]
	return j.Kind, ok
}

// MarkExecuting transitions a job to executing and points the executing
// slot at it. For a foreign id the slot is set without ownership info,
// the server is busy either way and the UI has to know it.
func (r *Registry) MarkExecuting(id string) {
	if id == "" {
		return
	}
	r.update(func(st *QueueState) {
		st.ExecutingID = id
		if j, ok := st.OwnJobs[id]; ok {
			j.Status = JobStatusExecuting
			st.OwnJobs[id] = j
			st.ExecutingOwner = j.Owner
			st.ExecutingKind = j.Kind
			return
		}
		st.ExecutingOwner = ""
		st.ExecutingKind = ContentKindUnknown
	})
}

// MarkCompleted removes the job and clears the executing slot if it was
// pointing at it. Safe for unknown ids.
func (r *Registry) MarkCompleted(id string) {
	log.Printf("[DEBUG] job %s completed", id)
	r.remove(id, true)
}

// MarkFailed removes the job, same state effect as MarkCompleted but
// logged at warn for visibility
func (r *Registry) MarkFailed(id string) {
	log.Printf("[WARN] job %s failed", id)
	r.remove(id, true)
}

// Remove drops the job without clearing the executing pointer, used for
// local-only cleanup of stale entries. Ownership attribution of the slot
// is dropped with the job.
func (r *Registry) Remove(id string) {
	r.remove(id, false)
}

func (r *Registry) remove(id string, clearExecuting bool) {
	r.update(func(st *QueueState) {
		delete(st.OwnJobs, id)
		if st.ExecutingID != id {
			return
		}
		if clearExecuting {
			st.ExecutingID = ""
		}
		// ownership fields never outlive the tracked entry, even when the
		// executing pointer itself is kept
		st.ExecutingOwner = ""
		st.ExecutingKind = ContentKindUnknown
	})
}

// UpdateFromStatus applies the queue size from a lightweight status push
func (r *Registry) UpdateFromStatus(queueRemaining int) {
	r.update(func(st *QueueState) {
		st.TotalQueueSize = queueRemaining
	})
}

// UpdateFromQueue reconciles local bookkeeping with the authoritative
// queue listing. The first running entry is adopted as the executing job,
// own jobs the server no longer knows about are pruned unless they are
// already mid-removal locally. Streamed events can be lost on reconnects,
// this pass guarantees convergence and has to run on every poll cycle.
func (r *Registry) UpdateFromQueue(running, pending []string) {
	r.update(func(st *QueueState) {
		st.TotalQueueSize = len(running) + len(pending)

		switch {
		case len(running) > 0:
			if len(running) > 1 {
				log.Printf("[DEBUG] server reported %d running entries, tracking the first only", len(running))
			}
			if id := running[0]; id != st.ExecutingID {
				st.ExecutingID = id
				st.ExecutingOwner = ""
				st.ExecutingKind = ContentKindUnknown
				if j, ok := st.OwnJobs[id]; ok {
					st.ExecutingOwner = j.Owner
					st.ExecutingKind = j.Kind
				}
			}
		case st.ExecutingID != "":
			// server says nothing runs, trust it over the local guess
			st.ExecutingID = ""
			st.ExecutingOwner = ""
			st.ExecutingKind = ContentKindUnknown
		}

		outstanding := make(map[string]struct{}, len(running)+len(pending))
		for _, id := range running {
			outstanding[id] = struct{}{}
		}
		for _, id := range pending {
			outstanding[id] = struct{}{}
		}

		for id, j := range st.OwnJobs {
			if _, ok := outstanding[id]; ok {
				continue
			}
			if !j.Status.active() {
				continue // mid-removal locally, let the terminal event finish it
			}
			log.Printf("[INFO] job %s gone from server queue, pruned", id)
			delete(st.OwnJobs, id)
		}
	})
}

// Clear resets the registry to the empty state, called on logout. The
// persisted copy is not touched, callers clear it separately.
func (r *Registry) Clear() {
	log.Printf("[INFO] clear registry")
	r.update(func(st *QueueState) {
		*st = QueueState{OwnJobs: map[string]TrackedJob{}}
	})
}
