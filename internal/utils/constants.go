package utils

import "time"

// =============================================================================
// Timeout Constants
// =============================================================================

const (
	// DefaultRequestTimeout bounds one HTTP request against the store
	DefaultRequestTimeout = 30 * time.Second

	// HealthCheckRequestTimeout bounds a manually triggered health check
	HealthCheckRequestTimeout = 60 * time.Second

	// ShutdownTimeout bounds graceful shutdown of a binary
	ShutdownTimeout = 10 * time.Second
)

// =============================================================================
// Retry and Backoff Constants
// =============================================================================

const (
	// DefaultMaxRetries is the default number of retry attempts
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the default backoff duration between retries
	DefaultRetryBackoff = 100 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration
	MaxRetryBackoff = 5 * time.Second
)

// =============================================================================
// Queue Type Constants
// =============================================================================

// QueueType represents the type of wake-up transport
type QueueType string

const (
	// QueueTypeNATS represents core NATS subjects (default)
	QueueTypeNATS QueueType = "nats"

	// QueueTypeRedis represents Redis pub/sub
	QueueTypeRedis QueueType = "redis"

	// QueueTypeKafka represents Apache Kafka
	QueueTypeKafka QueueType = "kafka"

	// QueueTypeMemory represents the in-process queue
	QueueTypeMemory QueueType = "memory"
)
