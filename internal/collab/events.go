package collab

import (
	"context"
	"time"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ot"
)

// DocOpEvent is published for every accepted operation so downstream
// services (notifications, activity feeds) can follow the edit stream
// without touching the room.
type DocOpEvent struct {
	EventType    string       `json:"eventType"` // "OP_APPLIED"
	DocID        string       `json:"docId"`
	OperationID  string       `json:"operationId"`
	Version      uint64       `json:"version"`
	AuthorID     uint64       `json:"authorId"`
	ClientID     string       `json:"clientId"`
	ClientSeq    uint64       `json:"clientSeq"`
	BaseVersion  uint64       `json:"baseVersion"`
	Op           ot.Operation `json:"op"`
	AppliedAt    time.Time    `json:"appliedAt"`
}

// EventPublisher delivers DocOpEvents off the hot path. Publish is called
// under the room lock so events enter the pipeline in revision order; it
// must not block. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, evt DocOpEvent) error
}

// NopPublisher drops everything. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DocOpEvent) error { return nil }
