package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/meshcoord/internal/config"
)

func TestNewQueue_Memory(t *testing.T) {
	q, err := NewQueue(config.QueueConfig{Type: "MEMORY"})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	_, ok := q.(*MemoryQueue)
	assert.True(t, ok)
}

func TestNewQueue_NATSDefault(t *testing.T) {
	url := setupTestNATS(t)

	q, err := NewQueue(config.QueueConfig{URL: url})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	_, ok := q.(*NATSQueue)
	assert.True(t, ok)
}

func TestNewQueue_KafkaFromURL(t *testing.T) {
	q, err := NewQueue(config.QueueConfig{Type: "kafka", URL: "k1:9092,k2:9092"})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	kq, ok := q.(*KafkaQueue)
	require.True(t, ok)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, kq.config.Brokers)
}

func TestNewQueue_Unsupported(t *testing.T) {
	_, err := NewQueue(config.QueueConfig{Type: "amqp"})
	assert.Error(t, err)
}
