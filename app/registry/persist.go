package registry

import (
	"encoding/json"
	"fmt"

	log "github.com/go-pkgz/lgr"
)

//go:generate moq -out mocks/store.go -pkg mocks -skip-ensure -fmt goimports . Store

// Store is a namespaced key-value blob storage for registry state
type Store interface {
	Get(key string) (val string, found bool, err error)
	Set(key, val string) error
	Delete(key string) error
}

// StateKey is the storage key holding serialized pending jobs
const StateKey = "registry/jobs"

// persistedJob is the stored form of a tracked job
type persistedJob struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// SaveState persists own jobs which are still pending or executing.
// Jobs already in terminal transition are not worth keeping across
// restarts. Callers should invoke it off the event-delivery path.
func (r *Registry) SaveState(store Store) error {
	st := r.Snapshot()
	recs := make([]persistedJob, 0, len(st.OwnJobs))
	for _, j := range st.OwnJobs {
		if !j.Status.active() {
			continue
		}
		recs = append(recs, persistedJob{ID: j.ID, Owner: j.Owner, Kind: j.Kind.String(), Status: j.Status.String()})
	}

	if len(recs) == 0 {
		if err := store.Delete(StateKey); err != nil {
			return fmt.Errorf("can't delete persisted state: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("can't serialize %d jobs: %w", len(recs), err)
	}
	if err := store.Set(StateKey, string(data)); err != nil {
		return fmt.Errorf("can't persist %d jobs: %w", len(recs), err)
	}
	log.Printf("[DEBUG] persisted %d jobs", len(recs))
	return nil
}

// RestoreState loads persisted jobs back into the registry. Every
// restored job is downgraded to pending, no connection is live yet to
// confirm anything still executes; the next queue reconciliation corrects
// the picture. Malformed data is dropped silently, losing tracked jobs
// across a restart is an acceptable degradation.
func (r *Registry) RestoreState(store Store) {
	data, found, err := store.Get(StateKey)
	if err != nil {
		log.Printf("[WARN] can't read persisted state, %v", err)
		return
	}
	if !found || data == "" {
		return
	}

	var recs []persistedJob
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		log.Printf("[WARN] can't parse persisted state, %v", err)
		return
	}

	restored := 0
	r.update(func(st *QueueState) {
		for _, rec := range recs {
			if rec.ID == "" {
				continue
			}
			kind, err := ParseContentKind(rec.Kind)
			if err != nil {
				log.Printf("[WARN] persisted job %s has %v, defaulting to %s", rec.ID, err, ContentKindImage)
				kind = ContentKindImage
			}
			status, err := ParseJobStatus(rec.Status)
			if err != nil {
				log.Printf("[WARN] persisted job %s has %v, treating as %s", rec.ID, err, JobStatusPending)
			} else if status != JobStatusPending {
				log.Printf("[DEBUG] persisted job %s was %s, downgraded to %s", rec.ID, status, JobStatusPending)
			}
			st.OwnJobs[rec.ID] = TrackedJob{ID: rec.ID, Owner: rec.Owner, Kind: kind, Status: JobStatusPending}
			restored++
		}
	})
	log.Printf("[INFO] restored %d jobs from persisted state", restored)
}
