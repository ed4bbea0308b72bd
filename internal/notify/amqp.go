// Package notify delivers high-priority messages to the outside world.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultRedialDelay    = time.Second
	maxRedialDelay        = time.Minute
)

// ErrNotConnected is returned by Notify while the broker connection is down.
var ErrNotConnected = errors.New("AMQP notifier is not connected")

// Publisher is the part of *amqp.Channel the notifier uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Notification is the JSON document published for each message.
type Notification struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	MessageID  string    `json:"message_id"`
	UID        uint32    `json:"uid"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Date       time.Time `json:"date"`
	SentAt     time.Time `json:"sent_at"`
}

// AMQPNotifier publishes notifications to a RabbitMQ exchange. A notifier
// built by DialAMQP redials the broker when the connection drops.
type AMQPNotifier struct {
	exchange   string
	routingKey string
	log        zerolog.Logger
	now        func() time.Time

	connect     func() (*amqpSession, error)
	redialDelay time.Duration

	mu      sync.Mutex
	pub     Publisher
	closer  func() error
	closing bool
	done    chan struct{}
}

// amqpSession is one live broker connection.
type amqpSession struct {
	pub    Publisher
	closed <-chan *amqp.Error
	close  func() error
}

// NewAMQPNotifier wraps an existing channel.
func NewAMQPNotifier(pub Publisher, exchange, routingKey string, log zerolog.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		pub:         pub,
		exchange:    exchange,
		routingKey:  routingKey,
		log:         log.With().Str("component", "notify").Logger(),
		now:         time.Now,
		redialDelay: defaultRedialDelay,
		done:        make(chan struct{}),
	}
}

// DialAMQP connects to url, declares a durable topic exchange and returns a
// notifier that owns the connection.
func DialAMQP(url, exchange, routingKey string, log zerolog.Logger) (*AMQPNotifier, error) {
	connect := func() (*amqpSession, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
		}
		return &amqpSession{
			pub:    ch,
			closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
			close: func() error {
				var errs []error
				if err := ch.Close(); err != nil {
					errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
				}
				if err := conn.Close(); err != nil {
					errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
				}
				return errors.Join(errs...)
			},
		}, nil
	}
	n, err := dialWith(connect, exchange, routingKey, log)
	if err != nil {
		return nil, err
	}
	n.log.Info().Str("exchange", exchange).Msg("AMQP notifier connected")
	return n, nil
}

func dialWith(connect func() (*amqpSession, error), exchange, routingKey string, log zerolog.Logger) (*AMQPNotifier, error) {
	sess, err := connect()
	if err != nil {
		return nil, err
	}
	n := NewAMQPNotifier(sess.pub, exchange, routingKey, log)
	n.connect = connect
	n.closer = sess.close
	go n.watch(sess.closed)
	return n, nil
}

// watch redials after every unexpected connection close until Close is called.
func (n *AMQPNotifier) watch(closed <-chan *amqp.Error) {
	for {
		select {
		case err := <-closed:
			if n.isClosing() {
				return
			}
			n.log.Error().Err(err).Msg("AMQP connection closed, redialing")
		case <-n.done:
			return
		}

		n.mu.Lock()
		n.pub, n.closer = nil, nil
		n.mu.Unlock()

		sess, ok := n.redial()
		if !ok {
			return
		}
		closed = sess.closed
	}
}

func (n *AMQPNotifier) redial() (*amqpSession, bool) {
	delay := n.redialDelay
	for {
		select {
		case <-time.After(delay):
		case <-n.done:
			return nil, false
		}
		sess, err := n.connect()
		if err != nil {
			n.log.Warn().Err(err).Dur("retry_in", delay).Msg("AMQP redial failed")
			delay = min(delay*2, maxRedialDelay)
			continue
		}

		n.mu.Lock()
		if n.closing {
			n.mu.Unlock()
			sess.close()
			return nil, false
		}
		n.pub, n.closer = sess.pub, sess.close
		n.mu.Unlock()
		n.log.Info().Msg("AMQP notifier reconnected")
		return sess, true
	}
}

func (n *AMQPNotifier) isClosing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closing
}

// Notify publishes msg as a persistent JSON notification.
func (n *AMQPNotifier) Notify(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(Notification{
		ID:         uuid.NewString(),
		AccountID:  msg.AccountID,
		MessageID:  msg.ID,
		UID:        msg.UID,
		From:       msg.From.String(),
		Subject:    msg.Subject,
		Category:   string(msg.Category),
		Confidence: msg.Confidence,
		Date:       msg.Date,
		SentAt:     n.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	n.mu.Lock()
	pub := n.pub
	n.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}

	err = pub.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.now(),
		MessageId:    msg.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification to exchange %q with routing key %q: %w", n.exchange, n.routingKey, err)
	}
	n.log.Debug().Str("message", msg.ID).Str("routing_key", n.routingKey).Msg("notification published")
	return nil
}

// Close stops redialing and closes the connection opened by DialAMQP.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	n.closing = true
	close(n.done)
	closer := n.closer
	n.pub, n.closer = nil, nil
	n.mu.Unlock()

	if closer == nil {
		return nil
	}
	if err := closer(); err != nil {
		return fmt.Errorf("errors during close: %w", err)
	}
	return nil
}
