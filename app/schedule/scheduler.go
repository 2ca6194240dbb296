package schedule

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/legal-hkr/comfychair/app/conditions"
	"github.com/legal-hkr/comfychair/app/registry"
)

//go:generate moq -out mocks/cron.go -pkg mocks -skip-ensure -fmt goimports . Cron
//go:generate moq -out mocks/submitter.go -pkg mocks -skip-ensure -fmt goimports . Submitter
//go:generate moq -out mocks/parser.go -pkg mocks -skip-ensure -fmt goimports . EntriesParser
//go:generate moq -out mocks/checker.go -pkg mocks -skip-ensure -fmt goimports . ConditionChecker

// defaultOwner tags jobs submitted by the scheduler itself
const defaultOwner = "SCHEDULED"

// Cron defines the robfig/cron methods used by the scheduler
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
	Remove(id cron.EntryID)
}

// Submitter sends a workflow to the server and returns the prompt id
type Submitter interface {
	SubmitWorkflow(ctx context.Context, workflow json.RawMessage) (string, error)
}

// EntriesParser loads schedule entries and signals file updates
type EntriesParser interface {
	String() string
	List() ([]Entry, error)
	Changes(ctx context.Context) (<-chan []Entry, error)
}

// ConditionChecker verifies submission conditions
type ConditionChecker interface {
	Check(cfg conditions.Config, queueSize int) (bool, string)
}

// Scheduler wires cron, the schedule parser and the submitting client.
// Do is the blocking entry point.
type Scheduler struct {
	Cron
	Parser           EntriesParser
	Submitter        Submitter
	Registry         *registry.Registry
	ConditionChecker ConditionChecker
	UpdatesEnabled   bool

	mu     sync.Mutex // guards active between initial load and reloads
	active []cron.EntryID
}

// Do runs the blocking scheduler until ctx is canceled
func (s *Scheduler) Do(ctx context.Context) {
	if s.UpdatesEnabled {
		log.Printf("[INFO] updater activated for %s", s.Parser.String())
		go s.reload(ctx)
	}

	if err := s.load(ctx); err != nil {
		log.Printf("[WARN] can't load schedule, %v", err)
		return
	}
	s.Start()
	<-ctx.Done()
	log.Print("[DEBUG] scheduler terminate")
	<-s.Stop().Done()
}

// load replaces all scheduled entries with the current file content
func (s *Scheduler) load(ctx context.Context) error {
	entries, err := s.Parser.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.active {
		s.Remove(id)
	}
	s.active = s.active[:0]

	for _, e := range entries {
		if err := s.schedule(ctx, e); err != nil {
			log.Printf("[WARN] can't schedule %+v, %v", e, err)
		}
	}
	log.Printf("[INFO] scheduled %d entries", len(s.active))
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, e Entry) error {
	sched, err := cron.ParseStandard(e.Spec)
	if err != nil {
		return err
	}
	entry := e
	id := s.Schedule(sched, cron.FuncJob(func() { s.submit(ctx, entry) }))
	s.active = append(s.active, id)
	log.Printf("[INFO] scheduled %s (%s), entry %v", e.Workflow, e.Spec, id)
	return nil
}

// submit fires one scheduled submission, failures are logged only, the
// next tick retries naturally
func (s *Scheduler) submit(ctx context.Context, e Entry) {
	if !e.Conditions.Empty() && s.ConditionChecker != nil {
		queueSize := s.Registry.Snapshot().TotalQueueSize
		if ok, reason := s.ConditionChecker.Check(e.Conditions, queueSize); !ok {
			log.Printf("[INFO] skip %s, %s", e.Workflow, reason)
			return
		}
	}

	workflow, err := os.ReadFile(e.Workflow)
	if err != nil {
		log.Printf("[WARN] can't read workflow %s, %v", e.Workflow, err)
		return
	}

	id, err := s.Submitter.SubmitWorkflow(ctx, workflow)
	if err != nil {
		log.Printf("[WARN] can't submit %s, %v", e.Workflow, err)
		return
	}

	owner := e.Owner
	if owner == "" {
		owner = defaultOwner
	}
	kind, err := registry.ParseContentKind(e.Kind)
	if err != nil || kind == registry.ContentKindUnknown {
		kind = registry.ContentKindImage
	}
	s.Registry.Register(id, owner, kind)
	log.Printf("[INFO] submitted %s as job %s", e.Workflow, id)
}

// reload reacts on schedule file updates
func (s *Scheduler) reload(ctx context.Context) {
	ch, err := s.Parser.Changes(ctx)
	if err != nil {
		log.Printf("[WARN] can't watch %s, %v", s.Parser.String(), err)
		return
	}
	for range ch {
		log.Printf("[INFO] schedule update detected")
		if err := s.load(ctx); err != nil {
			log.Printf("[WARN] failed to update schedule, %v", err)
		}
	}
}
