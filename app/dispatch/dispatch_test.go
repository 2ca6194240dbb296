package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-hkr/comfychair/app/client"
	"github.com/legal-hkr/comfychair/app/registry"
)

// fetcherFunc adapts a func to QueueFetcher
type fetcherFunc func(ctx context.Context) (client.Queue, error)

func (f fetcherFunc) FetchQueue(ctx context.Context) (client.Queue, error) { return f(ctx) }

// memStore is a minimal registry.Store for tests
type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (m *memStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(key, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type previewRec struct {
	mu     sync.Mutex
	owners []string
	kinds  []registry.ContentKind
}

func (p *previewRec) HandlePreview(owner string, kind registry.ContentKind, _ []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners = append(p.owners, owner)
	p.kinds = append(p.kinds, kind)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	reg := registry.New()
	d := &Dispatcher{Registry: reg}

	reg.Register("p1", "TEXT_TO_IMAGE", registry.ContentKindImage)

	d.OnExecutionStarted("p1")
	st := reg.Snapshot()
	assert.Equal(t, "p1", st.ExecutingID)
	assert.Equal(t, "TEXT_TO_IMAGE", st.ExecutingOwner)

	d.OnStatus(3)
	assert.Equal(t, 3, reg.Snapshot().TotalQueueSize)

	d.OnExecutionFinished("p1")
	st = reg.Snapshot()
	assert.Empty(t, st.OwnJobs)
	assert.Empty(t, st.ExecutingID)
}

func TestDispatcher_FailurePersists(t *testing.T) {
	reg := registry.New()
	store := newMemStore()
	d := &Dispatcher{Registry: reg, Store: store}

	reg.Register("p1", "TTI", registry.ContentKindImage)
	reg.Register("p2", "TTI", registry.ContentKindImage)
	require.NoError(t, reg.SaveState(store))

	d.OnExecutionFailed("p1")
	assert.NotContains(t, reg.Snapshot().OwnJobs, "p1")

	// persist runs async, wait for the stored blob to shrink
	require.Eventually(t, func() bool {
		v, found, err := store.Get(registry.StateKey)
		return err == nil && found && !strings.Contains(v, "p1") && strings.Contains(v, "p2")
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_Preview(t *testing.T) {
	reg := registry.New()
	sink := &previewRec{}
	d := &Dispatcher{Registry: reg, Previews: sink}

	t.Run("no executing job drops frame", func(t *testing.T) {
		d.OnPreview([]byte("frame"))
		assert.Empty(t, sink.owners)
	})

	t.Run("foreign job drops frame", func(t *testing.T) {
		reg.MarkExecuting("foreign")
		d.OnPreview([]byte("frame"))
		assert.Empty(t, sink.owners)
	})

	t.Run("own job routed by owner", func(t *testing.T) {
		reg.Register("p1", "IMAGE_TO_VIDEO", registry.ContentKindVideo)
		reg.MarkExecuting("p1")
		d.OnPreview([]byte("frame"))
		require.Len(t, sink.owners, 1)
		assert.Equal(t, "IMAGE_TO_VIDEO", sink.owners[0])
		assert.Equal(t, registry.ContentKindVideo, sink.kinds[0])
	})
}

func TestDispatcher_Poll(t *testing.T) {
	reg := registry.New()
	reg.Register("mine", "TTI", registry.ContentKindImage)
	reg.Register("gone", "TTI", registry.ContentKindImage)

	var mu sync.Mutex
	calls := 0
	fetcher := fetcherFunc(func(_ context.Context) (client.Queue, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return client.Queue{}, errors.New("server unreachable")
		}
		return client.Queue{
			Running: []client.QueueEntry{{Number: 0, PromptID: "mine"}},
			Pending: []client.QueueEntry{{Number: 1, PromptID: "other"}},
		}, nil
	})

	d := &Dispatcher{Registry: reg, Fetcher: fetcher, PollInterval: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Poll(ctx)

	require.Eventually(t, func() bool {
		st := reg.Snapshot()
		return st.ExecutingID == "mine" && st.TotalQueueSize == 2
	}, 2*time.Second, 10*time.Millisecond, "poll survives a failed cycle and reconciles on the next")

	st := reg.Snapshot()
	assert.NotContains(t, st.OwnJobs, "gone", "pruned, server doesn't know it")
	assert.Contains(t, st.OwnJobs, "mine")
	assert.Equal(t, "TTI", st.ExecutingOwner)
}
