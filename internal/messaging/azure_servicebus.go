// Package messaging moves journal entries through Azure Service Bus so the
// API can accept writes without waiting on the pipeline.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/config"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

// EntryMessage is the wire shape of one journal entry on the queue.
type EntryMessage struct {
	EntryID    uuid.UUID  `json:"entry_id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	Text       string     `json:"text"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// EntryProcessor consumes one decoded entry.
type EntryProcessor interface {
	ProcessEntry(ctx context.Context, entry *models.Entry) error
}

// EntryPublisher is the producer side, used by the API layer.
type EntryPublisher interface {
	PublishEntry(ctx context.Context, entry *models.Entry) error
	Close() error
}

// ServiceBusClient wraps one Azure Service Bus connection for the entry
// queue, producing and consuming.
type ServiceBusClient struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// NewServiceBusClient connects to the configured entry queue.
func NewServiceBusClient(cfg config.AzureConfig) (*ServiceBusClient, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &ServiceBusClient{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// PublishEntry puts one entry on the queue.
func (s *ServiceBusClient) PublishEntry(ctx context.Context, entry *models.Entry) error {
	msg := EntryMessage{
		EntryID:    entry.ID,
		OwnerID:    entry.OwnerID,
		Text:       entry.Text,
		OccurredAt: entry.OccurredAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal entry message")
	}

	return s.sender.SendMessage(ctx, &azservicebus.Message{
		Body:      data,
		MessageID: strPtr(entry.ID.String()),
		ApplicationProperties: map[string]interface{}{
			"owner_id": entry.OwnerID.String(),
			"time":     time.Now().UTC().Format(time.RFC3339),
		},
	}, nil)
}

// StartConsumer receives entry messages until the context is cancelled.
// A failed entry is abandoned back to the queue; the pipeline is
// idempotent, so redelivery is safe.
func (s *ServiceBusClient) StartConsumer(ctx context.Context, processor EntryProcessor) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("error closing Service Bus receiver")
		}
	}()

	log.Info().Str("queue", s.queueName).Msg("starting entry consumer")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("error receiving messages")
			time.Sleep(2 * time.Second)
			continue
		}

		for _, message := range messages {
			if err := s.handleMessage(ctx, processor, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("error processing entry message")
				if err := receiver.AbandonMessage(context.Background(), message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("error abandoning message")
				}
				continue
			}
			if err := receiver.CompleteMessage(context.Background(), message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("error completing message")
			}
		}
	}
}

func (s *ServiceBusClient) handleMessage(ctx context.Context, processor EntryProcessor, message *azservicebus.ReceivedMessage) error {
	var msg EntryMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		// A poison message never parses; abandoning it would redeliver
		// it forever, so decode failures complete and drop.
		log.Warn().Str("message_id", message.MessageID).Msg("dropping undecodable entry message")
		return nil
	}

	entry := &models.Entry{
		ID:         msg.EntryID,
		OwnerID:    msg.OwnerID,
		Text:       msg.Text,
		OccurredAt: msg.OccurredAt,
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return processor.ProcessEntry(ctx, entry)
}

// Close closes the sender and the underlying connection.
func (s *ServiceBusClient) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}
