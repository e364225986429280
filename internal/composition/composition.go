// Package composition implements the minimal in-memory stand-in for the
// external composition/profile library described in spec §6.3. The real
// library is a named-lookup service out of scope for this daemon (spec
// §1); what's provided here is just enough for agent:spawn to resolve an
// initial prompt without requiring it — a composition.Resolver holding
// named profiles, each with a permission level, an allowed-event list, and
// a Go text/template initial-prompt template, following the teacher's own
// use of text/template for prompt rendering (runtime/agent/runtime/
// runtime.go's CallHints/ResultHints template fields).
package composition

import (
	"bytes"
	"sync"
	"text/template"

	"github.com/ksi-project/ksid/internal/ksierr"
)

// Profile is one named composition: a permission level, the events an
// agent spawned under it may emit, and a template rendered with
// spawn-time variables to produce the agent's initial prompt.
type Profile struct {
	Name            string
	PermissionLevel string
	AllowedEvents   []string
	PromptTemplate  string
}

// Resolver is an in-memory named-profile store. The zero value is not
// usable; construct with New.
type Resolver struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	tmpl     map[string]*template.Template
}

// New constructs an empty Resolver. Register starter profiles with
// Register; a daemon with no registered profiles still answers
// composition:get/composition:profile with NOT_FOUND, matching an
// external composition library with nothing installed.
func New() *Resolver {
	return &Resolver{
		profiles: make(map[string]Profile),
		tmpl:     make(map[string]*template.Template),
	}
}

// Register adds or replaces a named profile, pre-compiling its prompt
// template so composition:profile never pays parse cost per call.
func (r *Resolver) Register(p Profile) error {
	if p.Name == "" {
		return ksierr.New(ksierr.InvalidEvent, "profile name is required")
	}
	var t *template.Template
	if p.PromptTemplate != "" {
		parsed, err := template.New(p.Name).Parse(p.PromptTemplate)
		if err != nil {
			return ksierr.Wrap(ksierr.InvalidEvent, "profile prompt template failed to parse", err)
		}
		t = parsed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	r.tmpl[p.Name] = t
	return nil
}

// Get returns a profile's raw definition (spec §6.3 "composition:get").
func (r *Resolver) Get(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, ksierr.New(ksierr.NotFound, "unknown composition: "+name)
	}
	return p, nil
}

// Resolved is what composition:profile returns: the profile's composition
// metadata plus its prompt rendered against the caller's variables.
type Resolved struct {
	Profile        Profile
	ResolvedPrompt string
}

// Resolve renders name's prompt template against variables and returns the
// full composition (spec §6.3 "composition:profile {name, variables} →
// {composition: {...}, resolved_prompt?: string}").
func (r *Resolver) Resolve(name string, variables map[string]any) (Resolved, error) {
	r.mu.RLock()
	p, ok := r.profiles[name]
	t := r.tmpl[name]
	r.mu.RUnlock()
	if !ok {
		return Resolved{}, ksierr.New(ksierr.NotFound, "unknown composition: "+name)
	}
	if t == nil {
		return Resolved{Profile: p}, nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, variables); err != nil {
		return Resolved{}, ksierr.Wrap(ksierr.HandlerError, "failed to render prompt template", err)
	}
	return Resolved{Profile: p, ResolvedPrompt: buf.String()}, nil
}
