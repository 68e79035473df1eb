// Package playbook provides security response playbooks: their data model,
// trigger condition evaluation, and the registry that validates and holds them.
package playbook

import (
	"time"
)

// Capability is the category of effect an action performs.
type Capability string

const (
	CapabilityInvestigate Capability = "investigate"
	CapabilityContain     Capability = "contain"
	CapabilityEradicate   Capability = "eradicate"
	CapabilityRecover     Capability = "recover"
	CapabilityNotify      Capability = "notify"
	CapabilityAnalyze     Capability = "analyze"
	CapabilityBlock       Capability = "block"
	CapabilityQuarantine  Capability = "quarantine"
)

// Capabilities lists every known capability.
var Capabilities = []Capability{
	CapabilityInvestigate,
	CapabilityContain,
	CapabilityEradicate,
	CapabilityRecover,
	CapabilityNotify,
	CapabilityAnalyze,
	CapabilityBlock,
	CapabilityQuarantine,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	_, ok := capabilitySchemas[c]
	return ok
}

// ApprovalLevel is the sign-off required before an action may run.
type ApprovalLevel string

const (
	ApprovalAutomatic ApprovalLevel = "automatic"
	ApprovalAnalyst   ApprovalLevel = "analyst"
	ApprovalManager   ApprovalLevel = "manager"
	ApprovalCISO      ApprovalLevel = "ciso"
)

var approvalRanks = map[ApprovalLevel]int{
	ApprovalAutomatic: 0,
	ApprovalAnalyst:   1,
	ApprovalManager:   2,
	ApprovalCISO:      3,
}

// Rank returns the position of the level in the escalation order.
// An empty level is treated as automatic; unknown levels return -1.
func (l ApprovalLevel) Rank() int {
	if l == "" {
		return 0
	}
	if r, ok := approvalRanks[l]; ok {
		return r
	}
	return -1
}

// Valid reports whether l is a known approval level.
func (l ApprovalLevel) Valid() bool {
	return l.Rank() >= 0
}

// Automatic reports whether the level requires no human sign-off.
func (l ApprovalLevel) Automatic() bool {
	return l.Rank() == 0
}

// Satisfies reports whether an approver holding level l may sign off an
// action that requires level required.
func (l ApprovalLevel) Satisfies(required ApprovalLevel) bool {
	if !l.Valid() || !required.Valid() {
		return false
	}
	return l.Rank() >= required.Rank()
}

// Action is one step of a playbook.
type Action struct {
	ID               string                 `json:"id" yaml:"id" validate:"required,max=128,ident"`
	Capability       Capability             `json:"capability" yaml:"capability" validate:"required,capability"`
	Description      string                 `json:"description,omitempty" yaml:"description"`
	Parameters       map[string]interface{} `json:"parameters,omitempty" yaml:"parameters"`
	ApprovalRequired ApprovalLevel          `json:"approval_required,omitempty" yaml:"approval_required" validate:"approval_level"`
	Timeout          time.Duration          `json:"timeout,omitempty" yaml:"timeout" validate:"min=0"`
	RetryCount       int                    `json:"retry_count,omitempty" yaml:"retry_count" validate:"min=0,max=10"`
	DependsOn        []string               `json:"depends_on,omitempty" yaml:"depends_on"`
	SuccessCriteria  map[string]interface{} `json:"success_criteria,omitempty" yaml:"success_criteria"`
	ApprovalTimeout  time.Duration          `json:"approval_timeout,omitempty" yaml:"approval_timeout" validate:"min=0"`
}

// NeedsApproval reports whether the action is gated on a human approval.
func (a *Action) NeedsApproval() bool {
	return !a.ApprovalRequired.Automatic()
}

// ConditionSet maps event fields to expected values. Every entry must match.
type ConditionSet map[string]interface{}

// Playbook is a registered, immutable response workflow.
type Playbook struct {
	ID          string         `json:"id" yaml:"id" validate:"required,max=128,ident"`
	Name        string         `json:"name" yaml:"name" validate:"required"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Version     int            `json:"version,omitempty" yaml:"version" validate:"min=0"`
	Priority    int            `json:"priority" yaml:"priority"`
	AutoExecute bool           `json:"auto_execute" yaml:"auto_execute"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags"`
	Conditions  []ConditionSet `json:"conditions,omitempty" yaml:"conditions"`
	Actions     []Action       `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
	CreatedAt   time.Time      `json:"created_at,omitempty" yaml:"-"`
}

// Action returns the action with the given id.
func (p *Playbook) Action(id string) (*Action, bool) {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i], true
		}
	}
	return nil, false
}

// HasTag reports whether the playbook carries tag.
func (p *Playbook) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasCapability reports whether any action of the playbook uses c.
func (p *Playbook) HasCapability(c Capability) bool {
	for _, a := range p.Actions {
		if a.Capability == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the playbook.
func (p *Playbook) Clone() *Playbook {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	if p.Conditions != nil {
		cp.Conditions = make([]ConditionSet, len(p.Conditions))
		for i, cs := range p.Conditions {
			cp.Conditions[i] = ConditionSet(cloneMap(cs))
		}
	}
	cp.Actions = make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		a.Parameters = cloneMap(a.Parameters)
		a.SuccessCriteria = cloneMap(a.SuccessCriteria)
		a.DependsOn = append([]string(nil), a.DependsOn...)
		cp.Actions[i] = a
	}
	return &cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
