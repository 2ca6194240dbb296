package dispatch

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"
)

// concurrent notification deliveries per event
const notifyConcurrency = 4

// Notifications delivers terminal job events to configured destinations.
// Destinations use go-pkgz/notify URLs, e.g. "telegram:channel",
// "slack:general" or a webhook https address.
type Notifications struct {
	Destinations []string
	Timeout      time.Duration
	OnCompletion bool
	OnError      bool
	HostName     string
}

// SendCompletion notifies about a finished job if enabled
func (n *Notifications) SendCompletion(owner, id string) {
	if !n.OnCompletion {
		return
	}
	n.send(fmt.Sprintf("comfychair@%s: %s job %s completed", n.HostName, owner, id))
}

// SendError notifies about a failed job if enabled
func (n *Notifications) SendError(owner, id string) {
	if !n.OnError {
		return
	}
	n.send(fmt.Sprintf("comfychair@%s: %s job %s failed", n.HostName, owner, id))
}

// send fans the message out to all destinations, failures are logged and
// don't affect each other
func (n *Notifications) send(text string) {
	if len(n.Destinations) == 0 {
		return
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	gr := syncs.NewSizedGroup(notifyConcurrency, syncs.Context(ctx))
	for _, dest := range n.Destinations {
		dest := dest
		gr.Go(func(ctx context.Context) {
			if err := notify.Send(ctx, dest, text); err != nil {
				log.Printf("[WARN] can't send notification to %s, %v", dest, err)
				return
			}
			log.Printf("[DEBUG] notification sent to %s", dest)
		})
	}
	gr.Wait()
}
