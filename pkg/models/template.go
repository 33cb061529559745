package models

import (
	"fmt"
	"time"
)

// Channel is a messaging transport. ChannelBoth means "Kakao first, SMS as
// fallback"; email never participates in the Kakao/SMS fallback chain.
type Channel string

const (
	ChannelKakao Channel = "kakao"
	ChannelSMS   Channel = "sms"
	ChannelBoth  Channel = "both"
	ChannelEmail Channel = "email"
)

// TemplateMessage is one message of a standalone template.
type TemplateMessage struct {
	Channel      Channel  `json:"channel" validate:"required,oneof=kakao sms both email"`
	Content      string   `json:"content" validate:"required"`
	RequiredVars []string `json:"required_vars,omitempty"`
}

// Template is a legacy standalone message template. The engine never executes
// templates directly: Lift converts one into a workflow definition so the
// scheduler and dispatcher have a single code path.
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name" validate:"required"`
	Enabled   bool              `json:"enabled"`
	Trigger   TriggerDescriptor `json:"trigger"`
	Messages  []TemplateMessage `json:"messages" validate:"required,min=1,dive"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Lift converts the template into an equivalent workflow definition with one
// action node per message, all due on the first day.
func (t *Template) Lift() *WorkflowDefinition {
	nodes := []*WorkflowNode{{ID: "trigger", Kind: NodeKindTrigger, Name: t.Name}}
	edges := make([]*WorkflowEdge, 0, len(t.Messages))

	prev := "trigger"

	for i, msg := range t.Messages {
		node := &WorkflowNode{
			ID:           fmt.Sprintf("message-%d", i+1),
			Kind:         NodeKindAction,
			Name:         t.Name,
			Channel:      msg.Channel,
			Content:      msg.Content,
			RequiredVars: msg.RequiredVars,
		}
		nodes = append(nodes, node)
		edges = append(edges, &WorkflowEdge{Source: prev, Target: node.ID})
		prev = node.ID
	}

	return &WorkflowDefinition{
		ID:        "template:" + t.ID,
		Name:      t.Name,
		Active:    t.Enabled,
		Trigger:   t.Trigger,
		Nodes:     nodes,
		Edges:     edges,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
