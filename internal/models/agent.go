package models

import "time"

// AgentState is the lifecycle state of an update agent
type AgentState string

const (
	AgentStateRegistering AgentState = "registering"
	AgentStateInstalling  AgentState = "installing"
	AgentStateWaiting     AgentState = "waiting"
	AgentStateActivating  AgentState = "activating"
	AgentStateActive      AgentState = "active"
	// AgentStateRedundant marks an agent that failed to install or was replaced
	AgentStateRedundant AgentState = "redundant"
)

// BuildInfo describes one build of the front end
type BuildInfo struct {
	Version   string    `json:"version"`
	BuiltAt   time.Time `json:"builtAt,omitempty"`
	Precache  []string  `json:"precache,omitempty"`
	CommitSHA string    `json:"commit,omitempty"`
}

// CachedResource is one entry of a cached resource set
type CachedResource struct {
	Key       string              `json:"key"`
	Status    int                 `json:"status"`
	Header    map[string][]string `json:"header,omitempty"`
	Body      []byte              `json:"body"`
	StoredAt  time.Time           `json:"storedAt"`
	CacheName string              `json:"cacheName"`
}

// UpdateStatus is the foreground-visible update state
type UpdateStatus struct {
	ActiveVersion   string     `json:"activeVersion,omitempty"`
	WaitingVersion  string     `json:"waitingVersion,omitempty"`
	UpdateAvailable bool       `json:"updateAvailable"`
	LastCheck       *time.Time `json:"lastCheck,omitempty"`
	LastCheckError  string     `json:"lastCheckError,omitempty"`
}
