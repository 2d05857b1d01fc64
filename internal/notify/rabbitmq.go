package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitNotifier publishes summaries as persistent JSON messages to a topic exchange
type RabbitNotifier struct {
	conn       *amqp.Connection
	channel    publisher
	exchange   string
	routingKey string
	log        *logrus.Logger
}

func DialRabbit(url, exchange, routingKey string, log *logrus.Logger) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.WithField("exchange", exchange).Info("connected to RabbitMQ")

	return &RabbitNotifier{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		log:        log,
	}, nil
}

func (n *RabbitNotifier) SendOrderSummary(ctx context.Context, summary OrderSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	err = n.channel.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    summary.MessageID,
		Timestamp:    summary.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish order summary %s: %w", summary.TransactionCode, err)
	}
	return nil
}

func (n *RabbitNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
