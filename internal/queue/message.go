package queue

import (
	"fmt"
	"strings"
)

// RolloutMessage is the broker payload that asks a worker to execute a rollout.
type RolloutMessage struct {
	RolloutID     string `json:"rolloutId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Protocol      string `json:"protocol"`
}

func (m RolloutMessage) Validate() error {
	if strings.TrimSpace(m.RolloutID) == "" {
		return fmt.Errorf("rolloutId is required")
	}
	if strings.TrimSpace(m.Protocol) == "" {
		return fmt.Errorf("protocol is required")
	}
	return nil
}
