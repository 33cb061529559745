// Package models defines the core domain models for patient-communication workflows.
package models

import "time"

// TriggerType identifies the condition that enqueues a workflow execution.
type TriggerType string

const (
	// Event triggers, fired by an appointment status change or an external call.
	TriggerAppointmentCompleted TriggerType = "appointment_completed"
	TriggerAppointmentCancelled TriggerType = "appointment_cancelled"
	TriggerAppointmentNoShow    TriggerType = "appointment_no_show"
	TriggerWebhook              TriggerType = "webhook"
	TriggerManual               TriggerType = "manual"

	// Date triggers, evaluated by the daily tick against a patient reference date.
	TriggerDaysAfterEvent   TriggerType = "days_after_event"
	TriggerDaysBeforeDate   TriggerType = "days_before_date"
	TriggerMonthsSinceEvent TriggerType = "months_since_event"
)

// DateBased reports whether the trigger is evaluated by the periodic tick
// rather than by a single incoming event.
func (t TriggerType) DateBased() bool {
	switch t {
	case TriggerDaysAfterEvent, TriggerDaysBeforeDate, TriggerMonthsSinceEvent:
		return true
	default:
		return false
	}
}

// TriggerDescriptor is the trigger condition attached to a workflow definition.
// Days carries the numeric parameter for date-based triggers (e.g. 7 for
// "7 days after surgery") and is ignored for event triggers.
type TriggerDescriptor struct {
	Type TriggerType `json:"type" validate:"required"`
	Days int         `json:"days,omitempty" validate:"gte=0"`
}

// NodeKind is the category of a workflow graph node.
type NodeKind string

const (
	NodeKindTrigger NodeKind = "trigger"
	NodeKindDelay   NodeKind = "delay"
	NodeKindAction  NodeKind = "action"
	NodeKindSurvey  NodeKind = "survey"
	NodeKindPhoto   NodeKind = "photo"
	NodeKindBranch  NodeKind = "branch"
)

// Actionable reports whether the node produces a step when the graph is
// compiled. Trigger, delay and branch nodes only shape traversal.
func (k NodeKind) Actionable() bool {
	return k == NodeKindAction || k == NodeKindSurvey || k == NodeKindPhoto
}

// WorkflowNode is one node of the visual workflow graph.
type WorkflowNode struct {
	ID   string   `json:"id"   validate:"required"`
	Kind NodeKind `json:"kind" validate:"required"`
	Name string   `json:"name"`

	// Delay nodes only.
	DelayDays int `json:"delay_days,omitempty" validate:"gte=0"`

	// Action, survey and photo nodes only.
	Channel      Channel  `json:"channel,omitempty"`
	Content      string   `json:"content,omitempty"`
	RequiredVars []string `json:"required_vars,omitempty"`
}

// WorkflowEdge is a directed connection between two graph nodes.
type WorkflowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// WorkflowDefinition is an operator-authored campaign. Definitions are
// immutable for executions already compiled from them; edits only affect
// executions created afterwards.
type WorkflowDefinition struct {
	ID             string            `json:"id"`
	Name           string            `json:"name" validate:"required,min=3"`
	Active         bool              `json:"active"`
	Trigger        TriggerDescriptor `json:"trigger" validate:"required"`
	CategoryFilter string            `json:"category_filter,omitempty"`
	Nodes          []*WorkflowNode   `json:"nodes"`
	Edges          []*WorkflowEdge   `json:"edges"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// TriggerNode returns the graph's trigger node, or nil when the graph has none.
func (w *WorkflowDefinition) TriggerNode() *WorkflowNode {
	for _, node := range w.Nodes {
		if node.Kind == NodeKindTrigger {
			return node
		}
	}

	return nil
}

// MatchesCategory reports whether the definition applies to an appointment
// category. An empty filter matches everything.
func (w *WorkflowDefinition) MatchesCategory(category string) bool {
	return w.CategoryFilter == "" || w.CategoryFilter == category
}
