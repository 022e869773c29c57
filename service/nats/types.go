package nats

import (
	"time"
)

// Flow names the kind of pipeline that emitted an event.
const (
	FlowSend = "send"
	FlowSwap = "swap"
	// FlowWatch events come from the durable confirmation watch.
	FlowWatch = "watch"
)

// PipelineEvent is one stage transition of a pipeline instance.
// It is published to the subject "txpipe.{wallet_address}" in JetStream.
type PipelineEvent struct {
	PipelineID    string `json:"pipeline_id"`
	Flow          string `json:"flow"`
	Stage         string `json:"stage"`
	WalletAddress string `json:"wallet_address"`

	// Set once the transaction has been submitted.
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status,omitempty"`

	// Set on failure; Message carries the upstream text verbatim.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *PipelineEvent) Subject() string {
	return SubjectPrefix + e.WalletAddress
}
