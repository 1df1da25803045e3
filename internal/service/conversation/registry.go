package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/service/session"
)

var (
	ErrDeviceRequired  = errors.New("device id is required")
	ErrPersonaNotFound = errors.New("persona not found")
)

// DefaultIdleTTL is how long an untouched controller stays live.
const DefaultIdleTTL = 30 * time.Minute

type registryKey struct {
	device  string
	persona string
}

type registryEntry struct {
	ctrl     *Controller
	lastUsed time.Time
}

// Registry hands out one Controller per (device, persona) pair. Each device
// gets its own namespace in the session store, and a controller is attached
// to any stored snapshot the first time it is requested. Controllers idle
// for longer than the TTL are unloaded, as if the client had left.
type Registry struct {
	personas persona.Store
	sessions *session.Store
	template Config
	idleTTL  time.Duration
	now      func() time.Time

	mu          sync.Mutex
	controllers map[registryKey]*registryEntry
}

type RegistryOption func(*Registry)

// WithIdleTTL sets the eviction age; zero or negative disables eviction.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTTL = d }
}

// WithRegistryClock replaces time.Now for eviction bookkeeping.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry uses template for every controller it builds; its Persona
// and Sessions fields are filled in per request.
func NewRegistry(personas persona.Store, sessions *session.Store, template Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		personas:    personas,
		sessions:    sessions,
		template:    template,
		idleTTL:     DefaultIdleTTL,
		now:         time.Now,
		controllers: make(map[registryKey]*registryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the controller for the pair, creating and attaching it on first use.
func (r *Registry) Get(ctx context.Context, deviceID, personaID string) (*Controller, error) {
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	key := registryKey{device: deviceID, persona: personaID}
	now := r.now()

	if c, ok := r.touch(key, now); ok {
		return c, nil
	}

	r.mu.Lock()
	evicted := r.pruneLocked(now)
	r.mu.Unlock()
	for _, c := range evicted {
		c.Unload(ctx)
	}

	p, ok := r.personas.FindByID(personaID)
	if !ok {
		return nil, ErrPersonaNotFound
	}

	cfg := r.template
	cfg.Persona = p
	cfg.Sessions = r.sessions.Namespaced(deviceID)
	c, err := NewController(cfg)
	if err != nil {
		return nil, err
	}
	// 存储 I/O 不占用注册表锁
	c.Attach(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.controllers[key]; ok {
		e.lastUsed = now
		return e.ctrl, nil
	}
	r.controllers[key] = &registryEntry{ctrl: c, lastUsed: now}
	return c, nil
}

func (r *Registry) touch(key registryKey, now time.Time) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.controllers[key]
	if !ok {
		return nil, false
	}
	e.lastUsed = now
	return e.ctrl, true
}

// pruneLocked removes idle controllers and returns them for unloading.
// Controllers with a call in flight are kept.
func (r *Registry) pruneLocked(now time.Time) []*Controller {
	if r.idleTTL <= 0 {
		return nil
	}
	var evicted []*Controller
	for key, e := range r.controllers {
		if now.Sub(e.lastUsed) <= r.idleTTL || e.ctrl.isBusy() {
			continue
		}
		delete(r.controllers, key)
		evicted = append(evicted, e.ctrl)
	}
	return evicted
}

// Unload applies the unload rule to the pair and forgets its controller.
// It reports whether a live controller existed.
func (r *Registry) Unload(ctx context.Context, deviceID, personaID string) bool {
	key := registryKey{device: deviceID, persona: personaID}

	r.mu.Lock()
	e, ok := r.controllers[key]
	delete(r.controllers, key)
	r.mu.Unlock()

	if ok {
		e.ctrl.Unload(ctx)
		return true
	}

	store := r.sessions.Namespaced(deviceID)
	snap, found := store.Load(ctx, personaID)
	if found && !snap.IsLocked && !snap.IsCompleted {
		store.Clear(ctx, personaID)
	}
	return false
}

// Len reports how many controllers are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
