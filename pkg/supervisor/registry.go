// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/msgsupervisor/pkg/credstore"
	"github.com/aiku/msgsupervisor/pkg/transport"
)

// DialerFactory builds the transport dialer for one configured connection.
type DialerFactory func(conn ConnectionConfig) (transport.Dialer, error)

// Dependencies are the collaborators shared by every supervisor.
type Dependencies struct {
	Store      credstore.Store
	NewDialer  DialerFactory
	Clock      Clock
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// Registry holds the supervisors of every configured connection. The set of
// connections is fixed at construction.
type Registry struct {
	log         zerolog.Logger
	supervisors map[string]*ConnectionSupervisor
	names       []string

	initOnce sync.Once
	initErr  error
}

// NewRegistry creates one supervisor per configured connection.
func NewRegistry(cfg *Config, deps Dependencies) (*Registry, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if deps.NewDialer == nil {
		return nil, fmt.Errorf("dialer factory is required")
	}
	reg := &Registry{
		log:         deps.Log.With().Str("component", "registry").Logger(),
		supervisors: make(map[string]*ConnectionSupervisor, len(cfg.Connections)),
	}
	for _, conn := range cfg.Connections {
		if conn.Name == "" {
			return nil, fmt.Errorf("connection without a name")
		}
		if _, dup := reg.supervisors[conn.Name]; dup {
			return nil, fmt.Errorf("connection %q is configured more than once", conn.Name)
		}
		dialer, err := deps.NewDialer(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s transport for connection %q: %w", conn.Transport, conn.Name, err)
		}
		reg.supervisors[conn.Name] = NewConnectionSupervisor(deps.Log, Options{
			Name:            conn.Name,
			Dialer:          dialer,
			Store:           deps.Store,
			Clock:           deps.Clock,
			Timing:          cfg.Supervisor,
			Callbacks:       cfg.Callbacks,
			AllowedReactors: conn.AllowedReactors,
			HTTPClient:      deps.HTTPClient,
		})
		reg.names = append(reg.names, conn.Name)
	}
	slices.Sort(reg.names)
	return reg, nil
}

// Initialize connects every supervisor in parallel. A failing connection does
// not stop the others; all failures are logged and returned together.
func (r *Registry) Initialize(ctx context.Context) error {
	var (
		group  errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, name := range r.names {
		sup := r.supervisors[name]
		group.Go(func() error {
			if err := sup.Connect(ctx); err != nil {
				r.log.Err(err).Str("connection", name).Msg("Failed to connect")
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	r.log.Info().Int("connections", len(r.names)).Msg("Initialized connections")
	return result.ErrorOrNil()
}

// EnsureInitialized runs Initialize the first time it is called and returns
// the same result on every later call.
func (r *Registry) EnsureInitialized(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.initErr = r.Initialize(ctx)
	})
	return r.initErr
}

// Resolve returns the supervisor for name. Connections are never created on
// demand.
func (r *Registry) Resolve(name string) (*ConnectionSupervisor, error) {
	sup, ok := r.supervisors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConnectionNotFound, name)
	}
	return sup, nil
}

// Names returns the configured connection names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Statuses returns the status of every connection, sorted by name.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.supervisors[name].Status())
	}
	return out
}

// Shutdown disconnects every connection without clearing credentials.
func (r *Registry) Shutdown(ctx context.Context) error {
	var group errgroup.Group
	var mu sync.Mutex
	var result *multierror.Error
	for _, name := range r.names {
		sup := r.supervisors[name]
		group.Go(func() error {
			if err := sup.Close(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return result.ErrorOrNil()
}
