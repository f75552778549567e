package event

import (
	"sync"

	"github.com/pkg/errors"
)

// Upcaster migrates a payload from one schema version to the next. Upcasters
// are pure: the same input payload always yields the same output payload, and
// the input is never mutated.
type Upcaster func(Payload) (Payload, error)

// Registry maps event families to their current schema version and holds the
// ordered upcaster chains that migrate historical payloads forward.
type Registry struct {
	mu sync.RWMutex
	// chains[family][i] upcasts version i+1 to version i+2, so a family's
	// current version is 1 + len(chain). The chain is contiguous from v1.
	chains map[string][]Upcaster
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[string][]Upcaster)}
}

// Register adds the upcaster that produces the given target version for the
// family. Versions must be registered in order: registering version N
// requires the family's current version to be N-1, otherwise the chain would
// have a gap and a ChainGapError is returned.
func (r *Registry) Register(family string, version int, up Upcaster) error {
	if up == nil {
		return errors.Errorf("nil upcaster for %q v%d", family, version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	want := len(r.chains[family]) + 2
	if version != want {
		return &ChainGapError{Family: family, Version: version, Want: want}
	}
	r.chains[family] = append(r.chains[family], up)
	return nil
}

// CurrentVersion returns the family's highest registered version. Families
// with no registered upcasters, including legacy unsuffixed event types,
// default to version 1.
func (r *Registry) CurrentVersion(family string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains[family]) + 1
}

// UpcastToCurrent applies the family's upcaster chain step by step until the
// envelope's payload is at the current version. The input envelope is never
// mutated; the migrated envelope is returned. An IncompatibleVersionTransition
// is returned when a required step has no registered upcaster.
func (r *Registry) UpcastToCurrent(env *Envelope) (*Envelope, error) {
	family := env.Family()
	current := r.CurrentVersion(family)
	if env.SchemaVersion >= current {
		return env, nil
	}

	r.mu.RLock()
	chain := r.chains[family]
	r.mu.RUnlock()

	payload := env.Payload.Copy()
	for v := env.SchemaVersion; v < current; v++ {
		if v < 1 || v-1 >= len(chain) || chain[v-1] == nil {
			return nil, &IncompatibleVersionTransition{Family: family, From: v, To: v + 1}
		}
		next, err := chain[v-1](payload)
		if err != nil {
			return nil, errors.Wrapf(err, "upcasting %s v%d to v%d", family, v, v+1)
		}
		payload = next
	}
	return env.WithVersion(current, payload), nil
}
