package playbook

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// Registry holds registered playbooks. Playbooks are immutable once
// registered; callers always receive copies.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		return Capability(fl.Field().String()).Valid()
	})
	v.RegisterValidation("approval_level", func(fl validator.FieldLevel) bool {
		return ApprovalLevel(fl.Field().String()).Valid()
	})

	return &Registry{
		playbooks: make(map[string]*Playbook),
		validate:  v,
		logger:    logger.With("component", "playbook_registry"),
	}
}

// Register validates and stores a playbook, returning its id.
func (r *Registry) Register(p *Playbook) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil playbook", ErrInvalidPlaybook)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.playbooks[p.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrPlaybookExists, p.ID)
	}
	if err := r.validateLocked(p); err != nil {
		return "", err
	}

	stored := p.Clone()
	r.playbooks[stored.ID] = stored

	for i, cs := range stored.Conditions {
		for _, pred := range cs.Compile() {
			if pred.Malformed() {
				r.logger.Warn("condition predicate can never match",
					"playbook_id", stored.ID,
					"condition_set", i,
					"field", pred.Field,
					"expected", pred.Value,
				)
			}
		}
	}

	r.logger.Info("playbook registered",
		"playbook_id", stored.ID,
		"actions", len(stored.Actions),
		"priority", stored.Priority,
	)
	return stored.ID, nil
}

// Validate checks a playbook without registering it.
func (r *Registry) Validate(p *Playbook) error {
	if p == nil {
		return fmt.Errorf("%w: nil playbook", ErrInvalidPlaybook)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validateLocked(p)
}

func (r *Registry) validateLocked(p *Playbook) error {
	if err := r.validate.Struct(p); err != nil {
		return &ValidationError{PlaybookID: p.ID, Reason: describeValidation(err)}
	}

	ids := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if ids[a.ID] {
			return &ValidationError{PlaybookID: p.ID, ActionID: a.ID, Reason: "duplicate action id"}
		}
		ids[a.ID] = true
	}

	for _, a := range p.Actions {
		schema, _ := SchemaFor(a.Capability)
		if err := schema.Check(a.Parameters); err != nil {
			return &ValidationError{PlaybookID: p.ID, ActionID: a.ID, Reason: err.Error()}
		}

		seen := make(map[string]bool, len(a.DependsOn))
		for _, dep := range a.DependsOn {
			if seen[dep] {
				return &ValidationError{PlaybookID: p.ID, ActionID: a.ID, Reason: fmt.Sprintf("duplicate dependency %q", dep)}
			}
			seen[dep] = true
			if ids[dep] {
				continue
			}
			if owner := r.ownerOfActionLocked(dep); owner != "" {
				return &ValidationError{
					PlaybookID: p.ID,
					ActionID:   a.ID,
					Reason:     fmt.Sprintf("depends on action %q of playbook %s; dependencies must be within the same playbook", dep, owner),
				}
			}
			return &ValidationError{PlaybookID: p.ID, ActionID: a.ID, Reason: fmt.Sprintf("depends on unknown action %q", dep)}
		}
	}

	if cycle := findCycle(p.Actions); cycle != nil {
		return &CyclicDependencyError{PlaybookID: p.ID, Cycle: cycle}
	}
	return nil
}

// ownerOfActionLocked returns the id of a registered playbook declaring
// actionID, or "" if there is none. Qualified "playbook.action" references
// are recognized as well.
func (r *Registry) ownerOfActionLocked(actionID string) string {
	ids := make([]string, 0, len(r.playbooks))
	for id := range r.playbooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pb := r.playbooks[id]
		if _, ok := pb.Action(actionID); ok {
			return id
		}
		if rest, found := strings.CutPrefix(actionID, id+"."); found {
			if _, ok := pb.Action(rest); ok {
				return id
			}
		}
	}
	return ""
}

// findCycle returns one dependency cycle, or nil if the graph is a DAG.
func findCycle(actions []Action) []string {
	const (
		white = iota
		grey
		black
	)
	deps := make(map[string][]string, len(actions))
	order := make([]string, 0, len(actions))
	for _, a := range actions {
		deps[a.ID] = a.DependsOn
		order = append(order, a.ID)
	}

	color := make(map[string]int, len(actions))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case white:
				if _, known := deps[dep]; known && visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "capability":
			parts = append(parts, fmt.Sprintf("%s: unknown capability %q", fe.Namespace(), fe.Value()))
		case "approval_level":
			parts = append(parts, fmt.Sprintf("%s: unknown approval level %q", fe.Namespace(), fe.Value()))
		case "ident":
			parts = append(parts, fmt.Sprintf("%s: invalid identifier %q", fe.Namespace(), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// Get returns a copy of the playbook with the given id.
func (r *Registry) Get(id string) (*Playbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.playbooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlaybookNotFound, id)
	}
	return p.Clone(), nil
}

// List returns copies of all playbooks ordered by id.
func (r *Registry) List() []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Playbook, 0, len(r.playbooks))
	for _, p := range r.playbooks {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered playbooks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.playbooks)
}

// FindByCapabilityTag returns playbooks carrying tag, or using tag as an
// action capability, ordered by id.
func (r *Registry) FindByCapabilityTag(tag string) []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Playbook
	for _, p := range r.playbooks {
		if p.HasTag(tag) || p.HasCapability(Capability(tag)) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindMatching returns playbooks whose conditions match event, highest
// priority first. Equal priorities are ordered by id so the result does not
// depend on registration order.
func (r *Registry) FindMatching(event Event) []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Playbook
	for _, p := range r.playbooks {
		if MatchesAny(event, p.Conditions) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
