package model

import (
	"time"

	"github.com/loomworks/loom/ident"
)

// ComponentKind classifies a row in the runtime liveness registry.
type ComponentKind string

// Registered component kinds.
const (
	KindServerAPI  ComponentKind = "server_api"
	KindWorkerPool ComponentKind = "worker_pool"
	KindBroker     ComponentKind = "broker"
)

// ComponentStatus is the liveness verdict for a registry row.
type ComponentStatus string

// Component liveness states. The sweeper moves stale rows to offline; a
// fresh heartbeat moves them back to ready.
const (
	ComponentReady   ComponentStatus = "ready"
	ComponentOffline ComponentStatus = "offline"
)

// Component is a liveness row for a server, worker pool, or broker.
// Uniqueness is on (kind, name); re-registration upserts.
type Component struct {
	RuntimeID    ident.ID        `json:"runtime_id"`
	Name         string          `json:"name"`
	Kind         ComponentKind   `json:"kind"`
	URI          string          `json:"uri,omitempty"`
	Status       ComponentStatus `json:"status"`
	Labels       JSONMap         `json:"labels,omitempty"`
	Capabilities StringList      `json:"capabilities,omitempty"`
	Capacity     int             `json:"capacity,omitempty"`
	Runtime      JSONMap         `json:"runtime,omitempty"`
	Heartbeat    time.Time       `json:"heartbeat"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}
