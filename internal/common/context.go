package common

// ContextKey is the type for context keys
type ContextKey string

// Context keys used across the application
const (
	RequestIDKey ContextKey = "request_id"
	ReplicaKey   ContextKey = "replica"
	NodeIDKey    ContextKey = "node_id"
)
