package session

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voxgate/server/domain"
)

func newTestRegistry(cfg RegistryConfig) (*Registry, *fakeRecognizer) {
	rec := &fakeRecognizer{}
	return NewRegistry(rec, nil, cfg, zap.NewNop()), rec
}

func discard(domain.Event) {}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	defer r.CloseAll()

	first := r.GetOrCreate("client-1", discard)
	second := r.GetOrCreate("client-1", discard)

	if first != second {
		t.Fatal("GetOrCreate must return the existing session for the same client")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	defer r.CloseAll()

	const goroutines = 16
	sessions := make([]*Session, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = r.GetOrCreate("client-1", discard)
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent GetOrCreate produced duplicate sessions")
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistryAttachReplacesSession(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	defer r.CloseAll()

	old := r.Attach("client-1", discard)
	replacement := r.Attach("client-1", discard)

	if old == replacement {
		t.Fatal("attach must create a fresh session for a new connection")
	}
	select {
	case <-old.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced session never closed")
	}
	if got, ok := r.Get("client-1"); !ok || got != replacement {
		t.Fatal("registry must hold the replacement session")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistryDetachIgnoresReplacedSession(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	defer r.CloseAll()

	old := r.Attach("client-1", discard)
	replacement := r.Attach("client-1", discard)

	// The old connection's teardown must not evict the new session.
	r.Detach("client-1", old)
	if got, ok := r.Get("client-1"); !ok || got != replacement {
		t.Fatal("detach of a replaced session must leave the current one")
	}

	r.Detach("client-1", replacement)
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	select {
	case <-replacement.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("detached session never closed")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	defer r.CloseAll()

	s := r.GetOrCreate("client-1", discard)
	r.Remove("client-1")
	<-s.Done()

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}

	// Removing an absent id is a no-op.
	r.Remove("client-1")
	r.Remove("never-existed")
}

func TestRegistryIdleEviction(t *testing.T) {
	r, rec := newTestRegistry(RegistryConfig{
		IdleTimeout:   30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	r.StartSweeper()
	defer r.CloseAll()

	s := r.GetOrCreate("client-1", discard)
	s.Start()
	waitFor(t, "recording state", func() bool { return s.State() == StateRecording })

	// The client silently abandons the session: no further activity.
	waitFor(t, "eviction", func() bool { return r.Len() == 0 })

	<-s.Done()
	if !rec.stream(t, 0).isClosed() {
		t.Fatal("eviction must reclaim the upstream connection")
	}
}

func TestRegistryActivityDefersEviction(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{
		IdleTimeout:   150 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	r.StartSweeper()
	defer r.CloseAll()

	s := r.GetOrCreate("client-1", discard)
	for i := 0; i < 5; i++ {
		s.Stop() // any command counts as activity
		time.Sleep(40 * time.Millisecond)
		if r.Len() != 1 {
			t.Fatal("active session must not be evicted")
		}
	}
}

func TestRegistryCloseAllDrains(t *testing.T) {
	r, rec := newTestRegistry(RegistryConfig{})

	a := r.GetOrCreate("client-1", discard)
	b := r.GetOrCreate("client-2", discard)
	a.Start()
	b.Start()
	waitFor(t, "both recording", func() bool {
		return a.State() == StateRecording && b.State() == StateRecording
	})

	r.CloseAll()

	if r.Len() != 0 {
		t.Fatalf("expected drained registry, got %d", r.Len())
	}
	for i := 0; i < rec.streamCount(); i++ {
		if !rec.stream(t, i).isClosed() {
			t.Fatalf("stream %d not released at shutdown", i)
		}
	}
}
