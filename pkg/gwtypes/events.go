package gwtypes

// EventTopic enumerates the EventBus tagged-union of gateway events.
type EventTopic string

const (
	EventServerAdded        EventTopic = "server:added"
	EventServerUpdated      EventTopic = "server:updated"
	EventServerRemoved      EventTopic = "server:removed"
	EventServerStatus       EventTopic = "server:status"
	EventServerConnected    EventTopic = "server:connected"
	EventServerDisconnected EventTopic = "server:disconnected"
	EventOAuthRequired      EventTopic = "oauth:required"
	EventLogStarted         EventTopic = "log:started"
	EventLogCompleted       EventTopic = "log:completed"
)

// Event is the envelope published on the EventBus. Payload's concrete type
// depends on Topic; the *Payload structs below give the shape per topic.
type Event struct {
	Topic   EventTopic `json:"topic"`
	Payload any        `json:"payload"`
}

// ServerAddedPayload / ServerUpdatedPayload / ServerRemovedPayload carry the
// server id (and name, where relevant) for the corresponding lifecycle
// event.
type ServerAddedPayload struct {
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
}

type ServerUpdatedPayload struct {
	ServerID string `json:"serverId"`
}

type ServerRemovedPayload struct {
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
}

// ServerStatusPayload carries a status transition.
type ServerStatusPayload struct {
	ServerID string `json:"serverId"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// OAuthRequiredPayload carries the authorization URL an operator must visit.
type OAuthRequiredPayload struct {
	ServerID string `json:"serverId"`
	AuthURL  string `json:"authUrl"`
}

// LogStartedPayload / LogCompletedPayload are the payload shapes for the
// log:started / log:completed topics. No component in this module publishes
// those topics; gwlog records entries without touching the EventBus.
type LogStartedPayload struct {
	Entry RequestLogEntry `json:"entry"`
}

type LogCompletedPayload struct {
	Entry RequestLogEntry `json:"entry"`
}
