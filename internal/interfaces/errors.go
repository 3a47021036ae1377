package interfaces

import "errors"

var (
	// ErrNoWaitingAgent is returned when an update is applied with nothing installed and waiting
	ErrNoWaitingAgent = errors.New("no waiting update agent")

	// ErrUnknownKind is returned when a draft kind is outside the known set
	ErrUnknownKind = errors.New("unknown draft kind")

	// ErrInvalidDraft is returned when a save request fails validation
	ErrInvalidDraft = errors.New("invalid draft")

	// ErrAgentDisabled is returned by update operations when the agent is not registered
	ErrAgentDisabled = errors.New("update agent not registered")
)
