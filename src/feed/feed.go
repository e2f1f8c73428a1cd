// Package feed consumes upstream market events and injects them into the
// hub. The producer is an external collaborator; the server only reacts.
package feed

import "github.com/perpstream/feedhub/src/types"

// Publisher is implemented by the Hub to receive upstream events.
type Publisher interface {
	Publish(ev types.Event)
}

// Source defines the interface for an upstream event consumer.
type Source interface {
	// Start begins consuming events and forwarding them to the publisher.
	Start() error

	// Stop shuts down the consumer.
	Stop() error

	// Available reports whether the consumer is connected and operational.
	Available() bool
}
