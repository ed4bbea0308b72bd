package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
)

type capturePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	hadDeadline   bool
	err           error
}

func (c *capturePublisher) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	_, c.hadDeadline = ctx.Deadline()
	return c.err
}

func priorityMessage() domain.Message {
	return domain.Message{
		ID:         "msg-1",
		AccountID:  "acct-1",
		UID:        42,
		From:       domain.Address{Name: "Alice", Email: "alice@example.com"},
		Subject:    "Server down",
		Category:   domain.CategoryPriority,
		Confidence: 0.9,
		Date:       time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestAMQPNotifier_Notify(t *testing.T) {
	pub := &capturePublisher{}
	n := NewAMQPNotifier(pub, "mail", "mail.priority", zerolog.Nop())
	now := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	require.NoError(t, n.Notify(context.Background(), priorityMessage()))

	assert.Equal(t, "mail", pub.exchange)
	assert.Equal(t, "mail.priority", pub.key)
	assert.True(t, pub.hadDeadline, "publish must be bounded")
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "msg-1", pub.msg.MessageId)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.msg.Body, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, uint32(42), got.UID)
	assert.Equal(t, "Alice <alice@example.com>", got.From)
	assert.Equal(t, "priority", got.Category)
	assert.True(t, got.SentAt.Equal(now))
}

func TestAMQPNotifier_PublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("channel closed")}
	n := NewAMQPNotifier(pub, "mail", "mail.priority", zerolog.Nop())
	err := n.Notify(context.Background(), priorityMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mail.priority")
}

func TestAMQPNotifier_CloseWithoutConnection(t *testing.T) {
	n := NewAMQPNotifier(&capturePublisher{}, "mail", "k", zerolog.Nop())
	assert.NoError(t, n.Close())
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: zerolog.New(&buf)}
	require.NoError(t, n.Notify(context.Background(), priorityMessage()))
	assert.Contains(t, buf.String(), "priority message")
	assert.Contains(t, buf.String(), "Server down")
	assert.Contains(t, buf.String(), "alice@example.com")

	buf.Reset()
	masked := LogNotifier{Log: zerolog.New(&buf), Mask: logging.Masker{Enabled: true}}
	require.NoError(t, masked.Notify(context.Background(), priorityMessage()))
	assert.NotContains(t, buf.String(), "alice@example.com")
	assert.Contains(t, buf.String(), "a***e@e*****e.c*m")
}

func TestAMQPNotifier_RedialsAfterBrokerDrop(t *testing.T) {
	first, second := &capturePublisher{}, &capturePublisher{}
	firstClosed := make(chan *amqp.Error, 1)
	sessions := make(chan *amqpSession, 2)
	sessions <- &amqpSession{pub: first, closed: firstClosed, close: func() error { return nil }}
	sessions <- &amqpSession{pub: second, closed: make(chan *amqp.Error), close: func() error { return nil }}

	attempts := 0
	connect := func() (*amqpSession, error) {
		attempts++
		if attempts == 2 {
			return nil, errors.New("connection refused")
		}
		return <-sessions, nil
	}
	n, err := dialWith(connect, "mail", "mail.priority", zerolog.Nop())
	require.NoError(t, err)
	n.redialDelay = time.Millisecond
	t.Cleanup(func() { n.Close() })

	require.NoError(t, n.Notify(context.Background(), priorityMessage()))
	assert.Equal(t, "msg-1", first.msg.MessageId)

	firstClosed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	require.Eventually(t, func() bool {
		return n.Notify(context.Background(), priorityMessage()) == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "msg-1", second.msg.MessageId)
}

func TestAMQPNotifier_NotifyAfterClose(t *testing.T) {
	n := NewAMQPNotifier(&capturePublisher{}, "mail", "k", zerolog.Nop())
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Notify(context.Background(), priorityMessage()), ErrNotConnected)
	assert.NoError(t, n.Close(), "Close is idempotent")
}
