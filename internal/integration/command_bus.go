package integration

import (
	"context"
	"fmt"
	"time"

	"boundary-soar/internal/playbook"

	"github.com/google/uuid"
)

// Publisher writes JSON messages to a broker topic.
type Publisher interface {
	ProduceJSON(ctx context.Context, key string, value interface{}) error
}

// Command is the message a CommandBusAdapter publishes for response
// tooling that consumes actions from a topic.
type Command struct {
	CommandID  string                 `json:"command_id"`
	Capability playbook.Capability    `json:"capability"`
	Parameters map[string]interface{} `json:"parameters"`
	IssuedAt   time.Time              `json:"issued_at"`
}

// CommandBusAdapter hands actions to downstream tooling through a topic.
// Success means the command was accepted by the broker.
type CommandBusAdapter struct {
	publisher Publisher
}

// NewCommandBusAdapter creates a command bus adapter.
func NewCommandBusAdapter(publisher Publisher) *CommandBusAdapter {
	return &CommandBusAdapter{publisher: publisher}
}

// Execute publishes the command keyed by capability.
func (c *CommandBusAdapter) Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error) {
	cmd := Command{
		CommandID:  uuid.New().String(),
		Capability: capability,
		Parameters: params,
		IssuedAt:   time.Now().UTC(),
	}
	if err := c.publisher.ProduceJSON(ctx, string(capability), cmd); err != nil {
		return nil, fmt.Errorf("failed to publish command: %w", err)
	}
	return &Result{
		Success: true,
		Payload: map[string]interface{}{
			"command_id": cmd.CommandID,
			"dispatched": true,
		},
	}, nil
}
