// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/credstore"
	"github.com/aiku/msgsupervisor/pkg/transport"
)

type registryFixture struct {
	mu      sync.Mutex
	dialers map[string]*fakeDialer
}

func (f *registryFixture) factory(conn ConnectionConfig) (transport.Dialer, error) {
	if conn.Transport == "unsupported" {
		return nil, errors.New("unknown transport")
	}
	d := &fakeDialer{}
	if conn.Name == "broken" {
		d.err = errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialers[conn.Name] = d
	return d, nil
}

func newTestRegistry(t *testing.T, names ...string) (*Registry, *registryFixture) {
	t.Helper()
	cfg := &Config{}
	for _, name := range names {
		cfg.Connections = append(cfg.Connections, ConnectionConfig{Name: name, Transport: "gateway"})
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	fixture := &registryFixture{dialers: make(map[string]*fakeDialer)}
	reg, err := NewRegistry(cfg, Dependencies{
		Store:     credstore.NewMemoryStore(),
		NewDialer: fixture.factory,
		Clock:     newFakeClock(),
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg, fixture
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, "sales", "support")

	sup, err := reg.Resolve("sales")
	if err != nil || sup.Name() != "sales" {
		t.Fatalf("Resolve(sales) = %v, %v", sup, err)
	}
	again, _ := reg.Resolve("sales")
	if again != sup {
		t.Fatal("Resolve returned a different supervisor for the same name")
	}
	if _, err = reg.Resolve("marketing"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("err = %v, want ErrConnectionNotFound", err)
	}
	if got := reg.Names(); !slices.Equal(got, []string{"sales", "support"}) {
		t.Fatalf("names = %v", got)
	}
}

func TestRegistry_InitializeIsolatesFailures(t *testing.T) {
	t.Parallel()
	reg, fixture := newTestRegistry(t, "a", "broken", "c")

	err := reg.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("err = %v, want failure for broken", err)
	}
	for _, name := range []string{"a", "c"} {
		if got := fixture.dialers[name].Dials(); got != 1 {
			t.Errorf("%s dials = %d, want 1", name, got)
		}
	}
	statuses := reg.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d, want 3", len(statuses))
	}
	for _, st := range statuses {
		want := StateConnecting
		if st.Name == "broken" {
			want = StateDisconnected
		}
		if st.State != want {
			t.Errorf("%s state = %s, want %s", st.Name, st.State, want)
		}
	}
}

func TestRegistry_EnsureInitializedRunsOnce(t *testing.T) {
	t.Parallel()
	reg, fixture := newTestRegistry(t, "a")
	for range 3 {
		if err := reg.EnsureInitialized(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := fixture.dialers["a"].Dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestNewRegistry_Errors(t *testing.T) {
	t.Parallel()
	fixture := &registryFixture{dialers: make(map[string]*fakeDialer)}
	deps := Dependencies{Store: credstore.NewMemoryStore(), NewDialer: fixture.factory, Log: zerolog.Nop()}

	dup := &Config{Connections: []ConnectionConfig{{Name: "a"}, {Name: "a"}}}
	if _, err := NewRegistry(dup, deps); err == nil {
		t.Error("duplicate names accepted")
	}
	bad := &Config{Connections: []ConnectionConfig{{Name: "a", Transport: "unsupported"}}}
	if _, err := NewRegistry(bad, deps); err == nil {
		t.Error("transport factory error ignored")
	}
	if _, err := NewRegistry(&Config{}, Dependencies{NewDialer: fixture.factory}); err == nil {
		t.Error("missing store accepted")
	}
}
