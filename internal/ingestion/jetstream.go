package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/jetstream"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// AckNakAction represents the decision made after processing a message
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // Message processed successfully, ACK it
	ActionNak                          // DLQ failure, NAK immediately
	ActionNakDelay                     // Retryable error, NAK with calculated delay
	ActionDLQ                          // Max retries reached or fatal error, publish to DLQ then ACK
)

const (
	defaultAckWait       = 30 * time.Second
	defaultMaxAckPending = 1000
)

// Consumer is a push consumer on one company-scoped subject. Billing messages and call
// outcomes each get their own Consumer, differing only in configuration.
type Consumer struct {
	client       jetstream.ClientInterface
	router       RouterInterface
	cfg          config.ConsumerNatsConfig
	companyID    string
	consumerType string // "messages" or "outcomes", used as a metric label
	dlqSubject   string
	ctx          context.Context
	cancel       context.CancelFunc
	sub          *nats.Subscription
}

var _ ConsumerInterface = (*Consumer)(nil)

// NewConsumer creates a consumer. cfg.Consumer and cfg.QueueGroup are used as given, so
// callers make them unique per company.
func NewConsumer(client jetstream.ClientInterface, router RouterInterface, cfg config.ConsumerNatsConfig, companyID, consumerType, dlqSubject string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Log.With(
		zap.String("company_id", companyID),
		zap.String("consumerType", consumerType),
	))
	ctx = tenant.WithCompanyID(ctx, companyID)

	return &Consumer{
		client:       client,
		router:       router,
		cfg:          cfg,
		companyID:    companyID,
		consumerType: consumerType,
		dlqSubject:   dlqSubject,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// streamSubject is what the stream captures: the base subject for every company.
func (c *Consumer) streamSubject() string {
	return c.cfg.Subject + ".*"
}

// filterSubject is what this process consumes: the base subject for its own company.
func (c *Consumer) filterSubject() string {
	return c.cfg.Subject + "." + c.companyID
}

// Setup creates or updates the stream and the durable consumer.
func (c *Consumer) Setup() error {
	log := logger.FromContext(c.ctx)
	log.Info("Setting up consumer...", zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))

	streamCfg := &nats.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.streamSubject()},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.cfg.MaxAge,
	}
	log.Debug("Stream config", zap.Any("streamConfig", streamCfg))

	if err := c.client.EnsureStream(c.ctx, streamCfg); err != nil {
		log.Error("Failed to setup stream", zap.Error(err), zap.String("stream", c.cfg.Stream))
		return fmt.Errorf("failed to setup %s stream '%s': %w", c.consumerType, c.cfg.Stream, err)
	}

	ackWait := c.cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	consumerCfg := &nats.ConsumerConfig{
		Durable:        c.cfg.Consumer,
		DeliverGroup:   c.cfg.QueueGroup,
		FilterSubject:  c.filterSubject(),
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        ackWait,
		MaxAckPending:  defaultMaxAckPending,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverAllPolicy,
	}
	log.Debug("Consumer config", zap.Any("consumerConfig", consumerCfg))

	if err := c.client.EnsureConsumer(c.ctx, c.cfg.Stream, consumerCfg); err != nil {
		log.Error("Failed to setup consumer", zap.Error(err), zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))
		return fmt.Errorf("failed to setup %s consumer '%s' for stream '%s': %w", c.consumerType, c.cfg.Consumer, c.cfg.Stream, err)
	}

	log.Info("Consumer setup complete")
	return nil
}

// Start subscribes to the stream
func (c *Consumer) Start() error {
	log := logger.FromContext(c.ctx)
	log.Info("Starting consumer subscription...", zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))

	sub, err := c.client.SubscribePush(c.filterSubject(), c.cfg.Consumer, c.cfg.QueueGroup, c.cfg.Stream, c.handleMessage)
	if err != nil {
		log.Error("Failed to subscribe consumer", zap.Error(err),
			zap.String("stream", c.cfg.Stream),
			zap.String("consumer", c.cfg.Consumer),
			zap.String("group", c.cfg.QueueGroup),
		)
		return fmt.Errorf("failed to subscribe %s consumer '%s': %w", c.consumerType, c.cfg.Consumer, err)
	}
	c.sub = sub
	log.Info("Consumer subscribed successfully")
	return nil
}

// Stop drains the subscription so in-flight messages finish before returning.
func (c *Consumer) Stop() {
	log := logger.FromContext(c.ctx)
	log.Info("Stopping consumer...", zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			log.Error("Error draining subscription", zap.Error(err))
		}
		log.Info("Subscription drained")
	}
	if c.cancel != nil {
		c.cancel()
	}
	log.Info("Consumer stopped")
}

// determineAckNakAction decides the fate of a message based on processing result and metadata.
// It returns the action to take (ACK, NAK_DELAY, DLQ) and the delay duration if applicable.
func determineAckNakAction(
	processingErr error,
	metadata *nats.MsgMetadata,
	maxDeliver int,
	nakBaseDelay time.Duration,
	nakMaxDelay time.Duration,
) (action AckNakAction, delay time.Duration) {
	if processingErr == nil {
		return ActionAck, 0
	}

	isRetryable := apperrors.IsRetryable(processingErr)
	numDelivered := metadata.NumDelivered

	if numDelivered >= uint64(maxDeliver) || !isRetryable {
		return ActionDLQ, 0 // DLQ implies ACK once the publish succeeds
	}

	attempt := numDelivered // starts at 1
	delay = nakBaseDelay
	if attempt > 1 {
		delay = nakBaseDelay * (1 << (attempt - 1))
	}
	if delay > nakMaxDelay {
		delay = nakMaxDelay
	}
	return ActionNakDelay, delay
}

func (c *Consumer) handleMessage(msg *nats.Msg) {
	startTime := utils.Now()
	eventType, found := model.MapToBaseEventType(msg.Subject)

	defer func() {
		observer.ObserveEventProcessingDuration(string(eventType), c.companyID, c.consumerType, time.Since(startTime))

		if r := recover(); r != nil {
			log := logger.FromContext(c.ctx)
			var msgID string
			if msg.Header != nil {
				msgID = msg.Header.Get(nats.MsgIdHdr)
			}
			log.Error("[panic] Recovered from panic in message handler",
				zap.Any("panic", r),
				zap.String("nats_message_id", msgID),
				zap.String("subject", msg.Subject),
				zap.Duration("duration", time.Since(startTime)),
				zap.Stack("stack"),
			)
			observer.IncEventsFailed(string(eventType), c.companyID, c.consumerType)
			observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "panic_nak", "panic")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error("Failed to NAK message after panic", zap.Error(nakErr))
			}
		}
	}()

	log := logger.FromContext(c.ctx)

	var msgID string
	if msg.Header != nil {
		msgID = msg.Header.Get(nats.MsgIdHdr)
	}

	if !found {
		log.Warn("Unknown event type", zap.String("subject", msg.Subject))
		if termErr := msg.Term(); termErr != nil {
			log.Error("Failed to TERM message for unknown event type", zap.Error(termErr))
		}
		observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "term_unknown_type", "unknown_event_type")
		return
	}

	metadata, err := msg.Metadata()
	if err != nil {
		log.Error("Failed to read message metadata", zap.Error(err), zap.Duration("duration", time.Since(startTime)))
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "nak_metadata_error", "metadata")
		return
	}
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", metadata.Sequence.Stream)
	}

	internalMetadata := &model.MessageMetadata{
		StreamSequence:   metadata.Sequence.Stream,
		ConsumerSequence: metadata.Sequence.Consumer,
		NumDelivered:     metadata.NumDelivered,
		Timestamp:        metadata.Timestamp,
		Stream:           metadata.Stream,
		Consumer:         metadata.Consumer,
		MessageID:        msgID,
		MessageSubject:   msg.Subject,
		CompanyID:        c.companyID,
	}

	observer.IncEventsReceived(string(eventType), c.companyID, c.consumerType)

	msgCtx := logger.WithLogger(c.ctx, log.With(
		zap.String("nats_message_id", msgID),
		zap.Uint64("stream_sequence", internalMetadata.StreamSequence),
		zap.Uint64("consumer_sequence", internalMetadata.ConsumerSequence),
		zap.Uint64("num_delivered", internalMetadata.NumDelivered),
		zap.String("subject", msg.Subject),
	))

	processingErr := c.router.Route(msgCtx, internalMetadata, msg.Data)
	enhancedLog := logger.FromContext(msgCtx)

	action, nakDelay := determineAckNakAction(processingErr, metadata, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)

	errorType := "none"
	if processingErr != nil {
		errorType = observer.SanitizeErrorType(processingErr.Error())
	}

	switch action {
	case ActionAck:
		enhancedLog.Info("Successfully processed message", zap.Duration("duration", time.Since(startTime)))
		observer.IncEventsProcessed(string(eventType), c.companyID, c.consumerType)
		observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "ack_success", errorType)
		if ackErr := msg.Ack(); ackErr != nil {
			enhancedLog.Error("Failed to ACK message after successful processing", zap.Error(ackErr))
		}

	case ActionNakDelay:
		enhancedLog.Info("NAKing message with delay for redelivery (retryable error)",
			zap.Error(processingErr),
			zap.Int("max_deliver", c.cfg.MaxDeliver),
			zap.Duration("nak_delay", nakDelay),
			zap.Duration("duration", time.Since(startTime)),
		)
		observer.IncEventsFailed(string(eventType), c.companyID, c.consumerType)
		observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "nak_retry", errorType)
		if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
			enhancedLog.Error("Failed to NAK message with delay", zap.Error(nakErr))
		}

	case ActionDLQ:
		observer.IncEventsFailed(string(eventType), c.companyID, c.consumerType)
		if err := c.publishDLQ(msgCtx, msg, msgID, metadata.NumDelivered, processingErr); err != nil {
			enhancedLog.Error("Failed to publish message to DLQ, NAKing original message without delay", zap.Error(err))
			observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "nak_dlq_publish_fail", "dlq_publish_fail")
			if nakErr := msg.Nak(); nakErr != nil {
				enhancedLog.Error("Failed to NAK message after DLQ publish error", zap.Error(nakErr))
			}
			return
		}
		// ACK the original only once it is safely in the DLQ
		observer.IncEventProcessingAction(string(eventType), c.companyID, c.consumerType, "dlq_published_ack_success", errorType)
		if ackErr := msg.Ack(); ackErr != nil {
			enhancedLog.Error("Failed to ACK message after successful DLQ publish", zap.Error(ackErr))
		}
	}
}

func (c *Consumer) publishDLQ(ctx context.Context, msg *nats.Msg, msgID string, numDelivered uint64, processingErr error) error {
	log := logger.FromContext(ctx)

	isRetryable := apperrors.IsRetryable(processingErr)
	reason := "max delivery attempts reached"
	errorTypeString := "retryable"
	if !isRetryable {
		reason = "fatal error encountered"
		errorTypeString = "fatal"
		if !apperrors.IsFatal(processingErr) {
			log.Warn("Error reaching DLQ is not explicitly Fatal or Retryable, classifying as fatal", zap.Error(processingErr))
		}
	}
	log.Warn("Sending message to DLQ: "+reason,
		zap.Error(processingErr),
		zap.Int("max_deliver", c.cfg.MaxDeliver),
		zap.Bool("is_retryable", isRetryable),
	)

	payload := model.DLQPayload{
		SourceSubject:   msg.Subject,
		Company:         c.companyID,
		OriginalPayload: json.RawMessage(msg.Data),
		Error:           processingErr.Error(),
		ErrorType:       errorTypeString,
		RetryCount:      numDelivered,
		MaxRetry:        c.cfg.MaxDeliver,
		Timestamp:       utils.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal DLQ payload: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", c.dlqSubject, c.companyID)
	headers := map[string]string{"Original-Nats-Msg-Id": msgID}
	if err := c.client.Publish(ctx, subject, data, "dlq-"+msgID, headers); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	log.Info("Message published to DLQ", zap.String("dlq_subject", subject))
	return nil
}
