// Package fsm implements the machine definition registry, instance
// store, and event-application engine (C6).
package fsm

import (
	"encoding/json"
	"fmt"
	"sync"

	"fsmdb/internal/canonicaljson"
	"fsmdb/internal/fsmerr"
	"fsmdb/internal/guard"
)

// StateSet is a transition's From field: either a single state name or
// a list of them in the wire format, always held as a slice once
// decoded.
type StateSet []string

// Contains reports whether state is one of the set's members.
func (s StateSet) Contains(state string) bool {
	for _, v := range s {
		if v == state {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts either a JSON string or a JSON array of
// strings, per spec.md's from: string|list<string>.
func (s *StateSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StateSet{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("from must be a string or an array of strings: %w", err)
	}
	*s = StateSet(list)
	return nil
}

// MarshalJSON always renders as a JSON array, so the canonical checksum
// of a definition is independent of which wire form it was submitted in.
func (s StateSet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// Transition is one edge in a machine definition: on Event while in any
// state listed in From, if Guard (when present) evaluates truthy, move
// to To.
type Transition struct {
	From  StateSet `json:"from"`
	Event string   `json:"event"`
	To    string   `json:"to"`
	Guard string   `json:"guard,omitempty"`
}

// Definition is a machine's shape: its states, its initial state, and
// the transitions between them. Transitions are matched in the order
// they appear here.
type Definition struct {
	InitialState string       `json:"initial_state"`
	States       []string     `json:"states"`
	Transitions  []Transition `json:"transitions"`
}

// StoredDefinition is a registered (name, version) pair together with
// its canonical checksum, used to detect a byte-for-byte resubmission
// versus a conflicting redefinition.
type StoredDefinition struct {
	Name       string
	Version    int
	Definition Definition
	Raw        json.RawMessage
	Checksum   string
}

// Registry holds every registered (name, version) machine definition.
// maxVersions caps how many versions a single machine name may
// accumulate; zero means unlimited.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]map[int]*StoredDefinition
	maxVersions int
}

func NewRegistry(maxVersions int) *Registry {
	return &Registry{byName: map[string]map[int]*StoredDefinition{}, maxVersions: maxVersions}
}

// Put registers or re-registers (name, version). Registering an
// existing version with an identical canonical payload is a no-op that
// returns the existing definition; registering it with a different
// payload is a MACHINE_VERSION_EXISTS conflict. created reports whether
// a brand new version was added.
func (r *Registry) Put(name string, version int, raw json.RawMessage) (stored *StoredDefinition, created bool, err error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, false, fsmerr.Wrap(fsmerr.BadRequest, "invalid machine definition", err)
	}
	if err := validateDefinition(def); err != nil {
		return nil, false, err
	}
	checksum, err := canonicaljson.Checksum(def)
	if err != nil {
		return nil, false, fsmerr.Wrap(fsmerr.InternalError, "checksum machine definition", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.byName[name]
	if versions == nil {
		versions = map[int]*StoredDefinition{}
		r.byName[name] = versions
	}
	if existing, ok := versions[version]; ok {
		if existing.Checksum == checksum {
			return existing, false, nil
		}
		return nil, false, fsmerr.Newf(fsmerr.MachineVersionExists,
			"machine %s version %d already registered with a different definition", name, version)
	}
	if r.maxVersions > 0 && len(versions) >= r.maxVersions {
		return nil, false, fsmerr.Newf(fsmerr.MachineVersionLimitExceed,
			"machine %s already has %d versions registered", name, len(versions))
	}
	sd := &StoredDefinition{Name: name, Version: version, Definition: def, Raw: raw, Checksum: checksum}
	versions[version] = sd
	return sd, true, nil
}

// LoadReplay re-installs a definition during WAL recovery, bypassing
// the version-limit check (the limit applied when it was first
// accepted, and must not reject it on replay).
func (r *Registry) LoadReplay(name string, version int, raw json.RawMessage, checksum string) error {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.byName[name]
	if versions == nil {
		versions = map[int]*StoredDefinition{}
		r.byName[name] = versions
	}
	versions[version] = &StoredDefinition{Name: name, Version: version, Definition: def, Raw: raw, Checksum: checksum}
	return nil
}

func (r *Registry) Get(name string, version int) (*StoredDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	sd, ok := versions[version]
	return sd, ok
}

// List returns every registered version of name, ascending.
func (r *Registry) List(name string) []*StoredDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byName[name]
	out := make([]*StoredDefinition, 0, len(versions))
	for _, sd := range versions {
		out = append(out, sd)
	}
	sortStoredDefinitions(out)
	return out
}

func sortStoredDefinitions(defs []*StoredDefinition) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j].Version < defs[j-1].Version; j-- {
			defs[j], defs[j-1] = defs[j-1], defs[j]
		}
	}
}

func validateDefinition(def Definition) error {
	if def.InitialState == "" {
		return fsmerr.New(fsmerr.BadRequest, "machine definition missing initial_state")
	}
	states := map[string]bool{}
	for _, s := range def.States {
		states[s] = true
	}
	if !states[def.InitialState] {
		return fsmerr.Newf(fsmerr.BadRequest, "initial_state %q is not in states", def.InitialState)
	}
	for _, t := range def.Transitions {
		if len(t.From) == 0 {
			return fsmerr.Newf(fsmerr.BadRequest, "transition %s missing from state(s)", t.Event)
		}
		for _, from := range t.From {
			if !states[from] {
				return fsmerr.Newf(fsmerr.BadRequest, "transition %s/%s references an undeclared state %q", t.From, t.Event, from)
			}
		}
		if !states[t.To] {
			return fsmerr.Newf(fsmerr.BadRequest, "transition %s/%s references an undeclared state %q", t.From, t.Event, t.To)
		}
		if t.Event == "" {
			return fsmerr.New(fsmerr.BadRequest, "transition missing event name")
		}
		if t.Guard != "" {
			if _, err := guard.Parse(t.Guard); err != nil {
				return err
			}
		}
	}
	return nil
}
