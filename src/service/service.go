// Package service provides the high-level facade over the hub, consumed
// by the HTTP status surface and by operational tooling.
package service

import (
	"github.com/perpstream/feedhub/src/hub"
	"github.com/perpstream/feedhub/src/types"
	"github.com/rs/zerolog"
)

// Service wraps the hub with a read-mostly API.
type Service struct {
	hub        *hub.Hub
	instanceID string
	logger     zerolog.Logger
}

// New creates a service backed by the given hub.
func New(h *hub.Hub, instanceID string, logger zerolog.Logger) *Service {
	return &Service{hub: h, instanceID: instanceID, logger: logger}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// InstanceID returns this server's instance identifier.
func (s *Service) InstanceID() string { return s.instanceID }

// Publish injects an upstream market event, bypassing the feed. Used by
// tooling and tests.
func (s *Service) Publish(ev types.Event) {
	s.hub.Publish(ev)
}

// Status is the full operational status payload.
type Status struct {
	InstanceID string              `json:"instance_id"`
	Hub        hub.Stats           `json:"hub"`
	Metrics    hub.MetricsSnapshot `json:"metrics"`
}

// Status collects the hub and metrics aggregates.
func (s *Service) Status() Status {
	return Status{
		InstanceID: s.instanceID,
		Hub:        s.hub.Snapshot(),
		Metrics:    s.hub.Metrics().Snapshot(),
	}
}

// ClientInfo returns info for a connected client, or nil.
func (s *Service) ClientInfo(id uint64) *types.ClientInfo {
	return s.hub.ClientInfo(id)
}
