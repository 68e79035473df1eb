package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"boundary-soar/internal/playbook"
	"boundary-soar/internal/soar"

	"github.com/segmentio/kafka-go"
)

// Triggerer starts executions for events.
type Triggerer interface {
	Trigger(ctx context.Context, event playbook.Event, playbookID string) (*soar.Execution, error)
}

// triggerEnvelope is the optional wrapped form of an events-topic message.
type triggerEnvelope struct {
	Event      map[string]interface{} `json:"event"`
	PlaybookID string                 `json:"playbook_id"`
}

// decodeTrigger accepts either a bare event object or {event, playbook_id}.
func decodeTrigger(value []byte) (playbook.Event, string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if body, wrapped := raw["event"]; wrapped {
		if _, bare := raw["event_type"]; !bare {
			var env triggerEnvelope
			if err := json.Unmarshal(value, &env); err != nil {
				return nil, "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			if env.Event == nil {
				return nil, "", fmt.Errorf("%w: event is %s", ErrInvalidMessage, body)
			}
			return playbook.Event(env.Event), env.PlaybookID, nil
		}
	}

	var event map[string]interface{}
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return playbook.Event(event), "", nil
}

// TriggerHandler returns a MessageHandler that triggers playbooks for
// events. Malformed messages, invalid events and events no playbook matches
// are skipped. Any other failure, such as a full engine, is returned so
// the consumer redelivers the message instead of committing past it.
func TriggerHandler(engine Triggerer, logger *slog.Logger) MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka_trigger")

	return func(ctx context.Context, msg kafka.Message) error {
		event, playbookID, err := decodeTrigger(msg.Value)
		if err != nil {
			logger.Warn("skipping malformed message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			return fmt.Errorf("%w: %v", ErrSkipMessage, err)
		}

		exec, err := engine.Trigger(ctx, event, playbookID)
		switch {
		case err == nil:
			logger.Info("event triggered playbook",
				"execution_id", exec.ID,
				"playbook_id", exec.PlaybookID,
				"event_type", event.Type(),
				"offset", msg.Offset,
			)
			return nil
		case errors.Is(err, soar.ErrNoMatchingPlaybook):
			logger.Debug("no playbook matched event", "event_type", event.Type(), "offset", msg.Offset)
			return fmt.Errorf("%w: %v", ErrSkipMessage, err)
		case errors.Is(err, soar.ErrInvalidEvent), errors.Is(err, playbook.ErrPlaybookNotFound):
			logger.Warn("skipping event", "event_type", event.Type(), "playbook_id", playbookID, "error", err)
			return fmt.Errorf("%w: %v", ErrSkipMessage, err)
		default:
			return err
		}
	}
}
