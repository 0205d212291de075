package events

import "time"

// ServiceEventType identifies a service-registry lifecycle transition.
type ServiceEventType string

const (
	ServiceRegistered    ServiceEventType = "registered"
	ServiceDeregistered  ServiceEventType = "deregistered"
	ServiceHealthChanged ServiceEventType = "health_changed"
	ServiceUpdated       ServiceEventType = "updated"
	ServiceExpired       ServiceEventType = "expired"
)

// ServiceEvent is published by the registry whenever a service's
// registration state changes.
type ServiceEvent struct {
	Type      ServiceEventType `json:"type"`
	ServiceID string           `json:"service_id"`
	Name      string           `json:"name,omitempty"`
	Health    string           `json:"health,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// DeliveryEventType identifies a message-queue delivery outcome.
type DeliveryEventType string

const (
	DeliveryEnqueued     DeliveryEventType = "enqueued"
	DeliveryDelivered    DeliveryEventType = "delivered"
	DeliveryAcked        DeliveryEventType = "acked"
	DeliveryNacked       DeliveryEventType = "nacked"
	DeliveryRetried      DeliveryEventType = "retried"
	DeliveryDeadLettered DeliveryEventType = "dead_lettered"
	DeliveryExpired      DeliveryEventType = "expired"
)

// DeliveryEvent is published by the queue whenever a message crosses a
// delivery-lifecycle boundary.
type DeliveryEvent struct {
	Type      DeliveryEventType `json:"type"`
	MessageID string            `json:"message_id"`
	Queue     string            `json:"queue"`
	Attempt   int               `json:"attempt,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// GatewayEventType identifies the kind of event pushed to SSE/WebSocket
// subscribers at the HTTP gateway.
type GatewayEventType string

const (
	GatewayServiceEvent  GatewayEventType = "service"
	GatewayDeliveryEvent GatewayEventType = "delivery"
	GatewayBroadcast     GatewayEventType = "broadcast"
)

// GatewayEvent is the envelope streamed to gateway subscribers, wrapping
// either a ServiceEvent or DeliveryEvent payload (or an arbitrary broadcast
// message) under a common discriminator.
type GatewayEvent struct {
	Type      GatewayEventType `json:"type"`
	Payload   any              `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}
