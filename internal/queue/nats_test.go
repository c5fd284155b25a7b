package queue

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestNATS creates an embedded NATS server for testing
func setupTestNATS(t *testing.T) string {
	t.Helper()
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestNewNATSQueue_InvalidURL(t *testing.T) {
	q, err := newNATSQueue(NATSConfig{URL: "nats://127.0.0.1:1"})
	if err == nil {
		_ = q.Close()
		t.Fatal("Expected error with unreachable server")
	}
}

func TestNATSQueue_PublishAndSubscribe(t *testing.T) {
	url := setupTestNATS(t)

	q, err := newNATSQueue(NATSConfig{URL: url})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	subject := MailboxSubject("node-1")
	received := make(chan []byte, 1)
	require.NoError(t, q.Subscribe(subject, func(data []byte) error {
		received <- data
		return nil
	}))
	assert.Error(t, q.Subscribe(subject, func([]byte) error { return nil }))

	// subscription interest must reach the server before publishing
	require.NoError(t, q.conn.Flush())
	require.NoError(t, q.Publish(context.Background(), subject, []byte("wake")))

	select {
	case got := <-received:
		assert.Equal(t, "wake", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSQueue_PublishBatch(t *testing.T) {
	url := setupTestNATS(t)

	q, err := newNATSQueue(NATSConfig{URL: url})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	received := make(chan string, 4)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Subscribe(MailboxSubject(id), func(data []byte) error {
			received <- string(data)
			return nil
		}))
	}
	require.NoError(t, q.conn.Flush())

	n, err := q.PublishBatch(context.Background(), []BatchMessage{
		{Subject: MailboxSubject("a"), Data: []byte("1")},
		{Subject: MailboxSubject("b"), Data: []byte("2")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []string
	for len(got) < 2 {
		select {
		case m := <-received:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for batch")
		}
	}
	assert.ElementsMatch(t, []string{"1", "2"}, got)
}

func TestNATSQueue_Unsubscribe(t *testing.T) {
	url := setupTestNATS(t)

	q, err := newNATSQueue(NATSConfig{URL: url})
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Subscribe("x", func([]byte) error { return nil }))
	require.NoError(t, q.Unsubscribe("x"))
	assert.Error(t, q.Unsubscribe("x"))
}
