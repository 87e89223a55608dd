package usecase

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/ingestion"
	"gitlab.com/timkado/api/billing-verify-processor/internal/ingestion/handler"
	"gitlab.com/timkado/api/billing-verify-processor/internal/jetstream"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

// Processor wires the two inbound streams to their handlers: billing messages to
// screening and call outcomes to reconciliation.
type Processor struct {
	jsClient         jetstream.ClientInterface
	cfg              *config.Config
	messagesConsumer ingestion.ConsumerInterface
	outcomesConsumer ingestion.ConsumerInterface
	eventRouter      ingestion.RouterInterface
	messageHandler   handler.EventHandlerInterface
	outcomeHandler   handler.EventHandlerInterface
}

// NewProcessor creates a new processor with all components wired up
func NewProcessor(messages handler.MessageService, outcomes handler.OutcomeService, jsClient jetstream.ClientInterface, cfg *config.Config, companyID string) *Processor {
	router := ingestion.NewRouter()

	// Durable and queue group names are made unique per company
	messagesCfg := cfg.NATS.Messages
	messagesCfg.Consumer = messagesCfg.Consumer + companyID
	messagesCfg.QueueGroup = messagesCfg.QueueGroup + companyID

	outcomesCfg := cfg.NATS.Outcomes
	outcomesCfg.Consumer = outcomesCfg.Consumer + companyID
	outcomesCfg.QueueGroup = outcomesCfg.QueueGroup + companyID

	return &Processor{
		jsClient:         jsClient,
		cfg:              cfg,
		messagesConsumer: ingestion.NewConsumer(jsClient, router, messagesCfg, companyID, "messages", cfg.NATS.DLQSubject),
		outcomesConsumer: ingestion.NewConsumer(jsClient, router, outcomesCfg, companyID, "outcomes", cfg.NATS.DLQSubject),
		eventRouter:      router,
		messageHandler:   handler.NewMessageHandler(messages),
		outcomeHandler:   handler.NewOutcomeHandler(outcomes),
	}
}

// GetRouter returns the processor's event router.
func (p *Processor) GetRouter() ingestion.RouterInterface {
	return p.eventRouter
}

// Setup registers handlers, then creates the DLQ stream and both consumers.
func (p *Processor) Setup() error {
	p.eventRouter.Register(model.V1BillingMessages, p.messageHandler.HandleEvent)
	p.eventRouter.Register(model.V1CallOutcome, p.outcomeHandler.HandleEvent)
	p.eventRouter.RegisterDefault(func(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
		logger.FromContext(ctx).Warn("Unhandled event type",
			zap.String("type", string(eventType)),
			zap.String("subject", metadata.MessageSubject),
		)
		return nil
	})

	if p.cfg.NATS.DLQStream != "" {
		dlqCfg := &nats.StreamConfig{
			Name:      p.cfg.NATS.DLQStream,
			Subjects:  []string{p.cfg.NATS.DLQSubject + ".*"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    p.cfg.NATS.DLQMaxAge,
		}
		if err := p.jsClient.EnsureStream(context.Background(), dlqCfg); err != nil {
			return fmt.Errorf("failed to setup DLQ stream: %w", err)
		}
	}

	if err := p.messagesConsumer.Setup(); err != nil {
		return fmt.Errorf("failed to setup messages consumer: %w", err)
	}
	if err := p.outcomesConsumer.Setup(); err != nil {
		return fmt.Errorf("failed to setup outcomes consumer: %w", err)
	}

	logger.Log.Info("Processor setup complete for both consumers")
	return nil
}

// Start starts both consumers. Outcomes start first so a call placed from a freshly
// screened message always has its outcome stream listening.
func (p *Processor) Start() error {
	logger.Log.Info("Starting processor consumers...")

	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("[panic] Recovered from panic in processor",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	if err := p.outcomesConsumer.Start(); err != nil {
		return fmt.Errorf("failed to start outcomes consumer: %w", err)
	}
	if err := p.messagesConsumer.Start(); err != nil {
		p.outcomesConsumer.Stop()
		return fmt.Errorf("failed to start messages consumer: %w", err)
	}

	logger.Log.Info("Both consumers started successfully")
	return nil
}

// Stop stops intake first, then outcomes.
func (p *Processor) Stop() {
	logger.Log.Info("Stopping processor consumers...")
	p.messagesConsumer.Stop()
	p.outcomesConsumer.Stop()
	logger.Log.Info("Both consumers stopped")
}
