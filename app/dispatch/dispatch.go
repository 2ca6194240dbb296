// Package dispatch connects the server event stream and the periodic
// queue poll to the job registry, persists state after terminal
// transitions and fans out notifications.
package dispatch

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/legal-hkr/comfychair/app/client"
	"github.com/legal-hkr/comfychair/app/registry"
)

//go:generate moq -out mocks/fetcher.go -pkg mocks -skip-ensure -fmt goimports . QueueFetcher
//go:generate moq -out mocks/previews.go -pkg mocks -skip-ensure -fmt goimports . PreviewSink

// QueueFetcher retrieves the authoritative queue listing from the server
type QueueFetcher interface {
	FetchQueue(ctx context.Context) (client.Queue, error)
}

// PreviewSink receives live preview frames attributed to the submitting
// owner, e.g. to write them out or forward to a consumer
type PreviewSink interface {
	HandlePreview(owner string, kind registry.ContentKind, frame []byte)
}

// Dispatcher implements client.Handler over the registry. Store, Notify
// and Previews are optional.
type Dispatcher struct {
	Registry     *registry.Registry
	Fetcher      QueueFetcher
	Store        registry.Store
	Notify       *Notifications
	Previews     PreviewSink
	PollInterval time.Duration
}

// OnExecutionStarted implements client.Handler
func (d *Dispatcher) OnExecutionStarted(id string) {
	d.Registry.MarkExecuting(id)
}

// OnExecutionFinished implements client.Handler
func (d *Dispatcher) OnExecutionFinished(id string) {
	owner, own := d.Registry.Owner(id)
	d.Registry.MarkCompleted(id)
	if own && d.Notify != nil {
		d.Notify.SendCompletion(owner, id)
	}
	d.persist()
}

// OnExecutionFailed implements client.Handler
func (d *Dispatcher) OnExecutionFailed(id string) {
	owner, own := d.Registry.Owner(id)
	d.Registry.MarkFailed(id)
	if own && d.Notify != nil {
		d.Notify.SendError(owner, id)
	}
	d.persist()
}

// OnStatus implements client.Handler
func (d *Dispatcher) OnStatus(queueRemaining int) {
	d.Registry.UpdateFromStatus(queueRemaining)
}

// OnProgress implements client.Handler
func (d *Dispatcher) OnProgress(id string, value, maxValue int) {
	log.Printf("[DEBUG] progress %s: %d/%d", id, value, maxValue)
}

// OnPreview implements client.Handler. Frames are routed by the executing
// slot ownership, previews of foreign jobs are dropped.
func (d *Dispatcher) OnPreview(frame []byte) {
	if d.Previews == nil {
		return
	}
	st := d.Registry.Snapshot()
	if !st.IsExecuting() {
		return
	}
	owner, ok := d.Registry.Owner(st.ExecutingID)
	if !ok {
		return // someone else's job
	}
	kind, _ := d.Registry.Kind(st.ExecutingID)
	d.Previews.HandlePreview(owner, kind, frame)
}

// Poll runs the reconciliation loop until ctx is canceled. Every cycle
// fetches the server queue and lets the registry converge to it. This is
// the only recovery path for events lost by the stream, it can't be
// skipped or run just once.
func (d *Dispatcher) Poll(ctx context.Context) {
	interval := d.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log.Printf("[INFO] queue poll every %v", interval)

	d.pollOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	q, err := d.Fetcher.FetchQueue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[WARN] queue poll failed, %v", err)
		}
		return
	}
	d.Registry.UpdateFromQueue(q.RunningIDs(), q.PendingIDs())
}

// persist saves registry state off the event-delivery path
func (d *Dispatcher) persist() {
	if d.Store == nil {
		return
	}
	go func() {
		if err := d.Registry.SaveState(d.Store); err != nil {
			log.Printf("[WARN] can't persist registry state, %v", err)
		}
	}()
}
