package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vmgate/vmgate/internal/secrets"
)

// LoadState is the lifecycle state of a connection instance.
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateReady
	StateAuthRequired
	StateError
)

func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateAuthRequired:
		return "auth_required"
	case StateError:
		return "error"
	}
	return "unknown"
}

// loadOp is the single in-flight load. Concurrent Load calls latch onto it
// instead of issuing a second backend round trip.
type loadOp struct {
	done chan struct{}
	err  error

	// State to restore if the driving caller cancels mid-flight.
	prevState   LoadState
	prevConn    Connection
	prevServers []Server
	prevAuth    *AuthRequirement
	prevErr     error
}

// Instance is one stored configuration brought to life: it owns the load
// state machine and the live Connection while in Ready.
type Instance struct {
	cfg      *Configuration
	provider Provider
	creds    *secrets.Manager
	sessions SessionTracker
	timeout  time.Duration

	mu       sync.Mutex
	state    LoadState
	conn     Connection
	servers  []Server
	authReq  *AuthRequirement
	lastErr  error
	pending  *loadOp
	unloaded bool
}

func newInstance(cfg *Configuration, p Provider, creds *secrets.Manager, sessions SessionTracker, timeout time.Duration) *Instance {
	return &Instance{
		cfg:      cfg,
		provider: p,
		creds:    creds,
		sessions: sessions,
		timeout:  timeout,
		state:    StateUnloaded,
	}
}

func (i *Instance) Configuration() *Configuration { return i.cfg }

func (i *Instance) State() LoadState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Err returns the failure that put the instance into Error or AuthRequired,
// or nil.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// AuthRequirement returns the pending credential prompt, or nil outside
// AuthRequired.
func (i *Instance) AuthRequirement() *AuthRequirement {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.authReq
}

// Connection returns the live connection while Ready, else nil.
func (i *Instance) Connection() Connection {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn
}

// Servers returns the cached top level of the server tree. Empty while a
// load is in flight.
func (i *Instance) Servers() []Server {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Server, len(i.servers))
	copy(out, i.servers)
	return out
}

// Load transitions the instance to Ready, AuthRequired or Error. While a
// load is already in flight the call joins it and returns the shared result;
// no second backend round trip is made. A caller cancelling its own context
// while joined detaches without disturbing the in-flight operation.
func (i *Instance) Load(ctx context.Context) error {
	i.mu.Lock()
	if i.unloaded {
		i.mu.Unlock()
		return NewValidation("connection is unloaded", nil)
	}
	if op := i.pending; op != nil {
		i.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-op.done:
			return op.err
		}
	}
	op := &loadOp{
		done:        make(chan struct{}),
		prevState:   i.state,
		prevConn:    i.conn,
		prevServers: i.servers,
		prevAuth:    i.authReq,
		prevErr:     i.lastErr,
	}
	i.pending = op
	i.state = StateLoading
	// During a reload observers see an empty tree until the load settles.
	i.conn, i.servers, i.authReq, i.lastErr = nil, nil, nil, nil
	i.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	conn, err := i.provider.Load(lctx, i.cfg.Clone())
	var servers []Server
	if err == nil {
		servers, err = conn.Servers(lctx)
	}
	err = classifyLoadErr(ctx, lctx, err)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = nil
	if i.unloaded {
		// Unloaded while in flight; discard the result.
		op.err = NewValidation("connection is unloaded", nil)
		close(op.done)
		return op.err
	}
	switch {
	case err == nil:
		i.state = StateReady
		i.conn = conn
		i.servers = servers
		log.Debug().Str("connection_id", i.cfg.ID).Int("servers", len(servers)).Msg("connection loaded")
	case errors.Is(err, context.Canceled):
		// The driving caller gave up; fall back to where we were.
		i.state = op.prevState
		i.conn = op.prevConn
		i.servers = op.prevServers
		i.authReq = op.prevAuth
		i.lastErr = op.prevErr
	case IsAuthFailed(err):
		i.state = StateAuthRequired
		i.authReq = AuthRequirementOf(err)
		i.lastErr = err
		log.Debug().Str("connection_id", i.cfg.ID).Msg("connection requires authentication")
	default:
		i.state = StateError
		i.lastErr = err
		log.Warn().Err(err).Str("connection_id", i.cfg.ID).Msg("connection load failed")
	}
	op.err = err
	close(op.done)
	return err
}

// classifyLoadErr folds timeouts into the unreachable kind. A deadline hit
// on the bounded load context means the backend did not answer in time; the
// caller's own cancellation passes through untouched.
func classifyLoadErr(ctx, lctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(lctx.Err(), context.DeadlineExceeded) {
		return NewUnreachable("backend did not respond in time", err)
	}
	return err
}

// Authenticate stores the supplied credential values under the chosen save
// policy and retries the load. Valid only in AuthRequired.
func (i *Instance) Authenticate(ctx context.Context, values map[string]string, policy secrets.SavePolicy) error {
	i.mu.Lock()
	if i.state != StateAuthRequired {
		state := i.state
		i.mu.Unlock()
		return NewValidation("authenticate is only valid while credentials are required (state: "+state.String()+")", nil)
	}
	req := i.authReq
	i.mu.Unlock()

	for _, f := range req.Fields {
		v, ok := values[f.Key]
		if !ok {
			continue
		}
		if err := i.creds.Set(ctx, i.cfg.ID, f.Key, []byte(v), policy); err != nil {
			return NewInternal("storing credential failed", err)
		}
	}
	return i.Load(ctx)
}

// Reload re-runs Load. Callers use it from Ready, Error or AuthRequired;
// session-scoped credentials stay available across the reload.
func (i *Instance) Reload(ctx context.Context) error {
	return i.Load(ctx)
}

// Unload tears the instance down: live sessions opened through it are
// closed and session-scoped credentials are dropped. Unload is terminal for
// this instance; the manager builds a fresh one on the next load.
func (i *Instance) Unload(ctx context.Context) {
	i.mu.Lock()
	if i.unloaded {
		i.mu.Unlock()
		return
	}
	i.unloaded = true
	i.state = StateUnloaded
	i.conn = nil
	i.servers = nil
	i.authReq = nil
	i.lastErr = nil
	i.mu.Unlock()

	if i.sessions != nil {
		i.sessions.CloseAll(i.cfg.ID)
	}
	i.creds.ClearSession(i.cfg.ID)
	log.Debug().Str("connection_id", i.cfg.ID).Msg("connection unloaded")
}

// FindServer resolves a path of server IDs from the cached top level down
// through lazily fetched children.
func (i *Instance) FindServer(ctx context.Context, path []string) (Server, error) {
	if len(path) == 0 {
		return nil, NewValidation("empty server path", nil)
	}
	i.mu.Lock()
	if i.state != StateReady {
		state := i.state
		i.mu.Unlock()
		return nil, NewValidation("connection is not ready (state: "+state.String()+")", nil)
	}
	level := make([]Server, len(i.servers))
	copy(level, i.servers)
	i.mu.Unlock()

	var found Server
	for depth, id := range path {
		found = nil
		for _, s := range level {
			if s.Metadata().ID == id {
				found = s
				break
			}
		}
		if found == nil {
			return nil, NewValidation("server not found: "+id, nil)
		}
		if depth < len(path)-1 {
			children, err := found.Servers(ctx)
			if err != nil {
				return nil, err
			}
			level = children
		}
	}
	return found, nil
}
