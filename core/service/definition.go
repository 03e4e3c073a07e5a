package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SemaphoreMode selects how concurrent calls of one service are serialized.
type SemaphoreMode int

const (
	SemaphoreNone SemaphoreMode = iota
	SemaphoreFail               // fail immediately if occupied
	SemaphoreWait               // poll until free or timed out
)

func (m SemaphoreMode) String() string {
	switch m {
	case SemaphoreNone:
		return "none"
	case SemaphoreFail:
		return "fail"
	case SemaphoreWait:
		return "wait"
	default:
		return "unknown"
	}
}

// ParseSemaphoreMode accepts "", "none", "fail" and "wait".
func ParseSemaphoreMode(s string) (SemaphoreMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SemaphoreNone, nil
	case "fail":
		return SemaphoreFail, nil
	case "wait":
		return SemaphoreWait, nil
	default:
		return SemaphoreNone, fmt.Errorf("semaphore mode %q: %w", s, ErrInvalidDefinition)
	}
}

const (
	DefaultSemaphoreIgnore  = time.Hour
	DefaultSemaphoreSleep   = 100 * time.Millisecond
	DefaultSemaphoreTimeout = 120 * time.Second
)

// Body is the runnable logic of a service. It receives the parameters of
// one call and returns its result map.
type Body func(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error)

// Definition declares a service: its name, transaction and semaphore policy
// and its body.
type Definition struct {
	Path string
	Verb string
	Noun string

	// Interface definitions only declare parameters and cannot be run.
	Interface bool

	TxIgnore   bool
	TxForceNew bool
	TxUseCache bool
	TxTimeout  time.Duration

	Semaphore          SemaphoreMode
	SemaphoreName      string
	SemaphoreParameter string
	// An occupancy older than SemaphoreIgnore is considered stale and taken over.
	SemaphoreIgnore  time.Duration
	SemaphoreSleep   time.Duration
	SemaphoreTimeout time.Duration

	// InParameterNames drive row extraction in multi calls.
	InParameterNames []string

	Body Body
}

// Name is the canonical "path.verb#noun" name.
func (d *Definition) Name() string { return MakeName(d.Path, d.Verb, d.Noun) }

// HasSemaphore reports whether calls are serialized.
func (d *Definition) HasSemaphore() bool { return d.Semaphore != SemaphoreNone }

// SemaphoreDefaults are applied to definitions that leave a timing unset.
type SemaphoreDefaults struct {
	Ignore  time.Duration
	Sleep   time.Duration
	Timeout time.Duration
}

func (d *Definition) applyDefaults(defaults SemaphoreDefaults) {
	if d.SemaphoreIgnore <= 0 {
		d.SemaphoreIgnore = defaults.Ignore
	}
	if d.SemaphoreSleep <= 0 {
		d.SemaphoreSleep = defaults.Sleep
	}
	if d.SemaphoreTimeout <= 0 {
		d.SemaphoreTimeout = defaults.Timeout
	}
}

func (d *Definition) validate() error {
	if d.Verb == "" {
		return fmt.Errorf("definition without verb: %w", ErrInvalidDefinition)
	}
	if !d.Interface && d.Body == nil {
		return fmt.Errorf("service %s has no body: %w", d.Name(), ErrInvalidDefinition)
	}
	if d.TxIgnore && d.TxForceNew {
		return fmt.Errorf("service %s both ignores and forces a new transaction: %w", d.Name(), ErrInvalidDefinition)
	}
	if d.TxTimeout < 0 {
		return fmt.Errorf("service %s has a negative transaction timeout: %w", d.Name(), ErrInvalidDefinition)
	}
	return nil
}

// Registry holds service definitions by canonical name.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	defaults SemaphoreDefaults
}

func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
		defaults: SemaphoreDefaults{
			Ignore:  DefaultSemaphoreIgnore,
			Sleep:   DefaultSemaphoreSleep,
			Timeout: DefaultSemaphoreTimeout,
		},
	}
}

// SetSemaphoreDefaults changes the timings given to definitions registered
// afterwards. Zero values keep the current default.
func (r *Registry) SetSemaphoreDefaults(d SemaphoreDefaults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Ignore > 0 {
		r.defaults.Ignore = d.Ignore
	}
	if d.Sleep > 0 {
		r.defaults.Sleep = d.Sleep
	}
	if d.Timeout > 0 {
		r.defaults.Timeout = d.Timeout
	}
}

// Register adds def. Semaphore timings left at zero get their defaults.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	name := def.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	def.applyDefaults(r.defaults)
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("%s: %w", name, ErrDuplicateDefinition)
	}
	r.defs[name] = def
	return nil
}

// Lookup resolves name, normalizing it through ParseName first.
func (r *Registry) Lookup(name string) (*Definition, error) {
	path, verb, noun, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	def, ok := r.defs[MakeName(path, verb, noun)]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnitOfWorkNotFoundError{Name: name}
	}
	return def, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
