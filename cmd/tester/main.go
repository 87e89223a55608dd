package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/jetstream"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

// IndividualTaskDetail holds info for a single message within a batch.
type IndividualTaskDetail struct {
	CompanyID string
	Kind      string
}

// BatchTask represents a batch of messages to be processed by a worker.
type BatchTask struct {
	Tasks      []IndividualTaskDetail
	NatsClient jetstream.ClientInterface
}

const (
	defaultBatchSize = 50

	kindInvoice    = "invoice"
	kindNewsletter = "newsletter"
	kindFreeMail   = "freemail"
)

var messageKinds = []string{kindInvoice, kindInvoice, kindInvoice, kindNewsletter, kindFreeMail}

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	natsURL := flag.String("url", cfg.NATS.URL, "NATS server URL")
	mode := flag.String("mode", "messages", "messages: publish generated billing messages, outcome: publish one call outcome")
	rate := flag.Int("rate", 20, "Target messages per second (total)")
	duration := flag.Duration("duration", 1*time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	companyIDsStr := flag.String("company_ids", cfg.Company.ID, "Comma-separated list of company IDs")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of messages to generate/publish per worker batch")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	messageID := flag.String("message-id", "", "outcome mode: message the call verified")
	sessionID := flag.String("session-id", "", "outcome mode: external call session id")
	callStatus := flag.String("status", string(model.CallCompleted), "outcome mode: in_progress, completed or failed")
	disputed := flag.Bool("disputed", false, "outcome mode: callee denied the invoice")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Billing message load generator\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Publishes generated billing messages, or a single call outcome, to NATS.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
		fmt.Printf("Invalid batch size, using default: %d\n", defaultBatchSize)
	}
	if *rate <= 0 {
		fmt.Println("rate must be positive")
		os.Exit(1)
	}

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	natsClient, err := jetstream.NewClient(*natsURL, "billing-verify-tester")
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer natsClient.Close()
	logger.Log.Info("Connected to NATS", zap.String("url", *natsURL))

	companyIDs := strings.Split(*companyIDsStr, ",")
	if len(companyIDs) == 0 || companyIDs[0] == "" {
		logger.Log.Fatal("No company IDs provided")
	}

	if *mode == "outcome" {
		if err := publishOutcome(natsClient, companyIDs[0], *messageID, *sessionID, model.CallSessionStatus(*callStatus), *disputed); err != nil {
			logger.Log.Fatal("Failed to publish call outcome", zap.Error(err))
		}
		return
	}

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		logger.Log.Info("Shutting down metrics server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		}
	}()

	logger.Log.Info("Starting billing message load generator",
		zap.String("nats_url", *natsURL),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
		zap.String("company_ids", *companyIDsStr),
		zap.Int("metrics_port", *metricsPort),
	)

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		batchWorkerFunc(data, &wg)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runBatchLoadLoop(ctx, *rate, *duration, *batchSize, companyIDs, natsClient, pool, &wg)
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
		cancel()
		<-loopDone
	case <-loopDone:
		logger.Log.Info("Load generation duration finished")
	}

	logger.Log.Info("Waiting for active publishing worker tasks to complete...")
	wg.Wait()

	cancel()
	metricsWg.Wait()
	logger.Log.Info("Load generator shutdown complete.")
}

func startMetricsServer(port int) *http.Server {
	logger.Log.Info("Starting Prometheus metrics server", zap.Int("port", port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()

	return server
}

// runBatchLoadLoop manages the rate-limited submission of batches to the worker pool.
func runBatchLoadLoop(ctx context.Context, rate int, duration time.Duration, batchSize int, companies []string, nc jetstream.ClientInterface, pool *ants.PoolWithFunc, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	durationTimer := time.NewTimer(duration)
	defer durationTimer.Stop()

	counter := 0
	currentBatch := make([]IndividualTaskDetail, 0, batchSize)

	submitBatch := func(batch []IndividualTaskDetail) {
		if len(batch) == 0 {
			return
		}
		wg.Add(len(batch))
		if err := pool.Invoke(BatchTask{Tasks: batch, NatsClient: nc}); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_task_count", len(batch)), zap.Error(err))
			wg.Add(-len(batch))
			for _, td := range batch {
				observer.IncLoadgenPublishErrors(string(model.V1BillingMessages), td.CompanyID)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			submitBatch(currentBatch)
			return
		case <-durationTimer.C:
			submitBatch(currentBatch)
			return
		case <-ticker.C:
			currentBatch = append(currentBatch, IndividualTaskDetail{
				CompanyID: companies[counter%len(companies)],
				Kind:      messageKinds[counter%len(messageKinds)],
			})
			counter++

			if len(currentBatch) >= batchSize {
				submitBatch(currentBatch)
				currentBatch = make([]IndividualTaskDetail, 0, batchSize)
			}
		}
	}
}

// batchWorkerFunc publishes every message of a batch.
func batchWorkerFunc(data interface{}, wg *sync.WaitGroup) {
	batchTask := data.(BatchTask)
	subject := string(model.V1BillingMessages)

	for _, td := range batchTask.Tasks {
		func(td IndividualTaskDetail) {
			defer wg.Done()

			payload := generateMessage(td.Kind)
			finalSubject := model.SubjectFor(model.V1BillingMessages, td.CompanyID)
			body, err := json.Marshal(payload)
			if err != nil {
				logger.Log.Error("Failed to marshal payload", zap.String("subject", finalSubject), zap.Error(err))
				observer.IncLoadgenPublishErrors(subject, td.CompanyID)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			headers := map[string]string{"CompanyID": td.CompanyID}
			if err := batchTask.NatsClient.Publish(ctx, finalSubject, body, payload.MessageID, headers); err != nil {
				logger.Log.Error("Failed to publish message", zap.String("subject", finalSubject), zap.Error(err))
				observer.IncLoadgenPublishErrors(subject, td.CompanyID)
				return
			}
			observer.IncLoadgenPublished(subject, td.CompanyID)
		}(td)
	}
}

// generateMessage varies the traffic so that every screening stage gets exercised.
func generateMessage(kind string) *model.InboundMessagePayload {
	switch kind {
	case kindNewsletter:
		return model.NewInboundMessagePayload(&model.InboundMessagePayload{
			Subject: gofakeit.HipsterSentence(5),
			Body:    gofakeit.Paragraph(1, 3, 12, " "),
		})
	case kindFreeMail:
		return model.NewInboundMessagePayload(&model.InboundMessagePayload{
			Sender:      fmt.Sprintf("%s@gmail.com", gofakeit.Username()),
			LocalPhones: []string{},
		})
	default:
		return model.NewInboundMessagePayload()
	}
}

func publishOutcome(nc jetstream.ClientInterface, companyID, messageID, sessionID string, status model.CallSessionStatus, disputed bool) error {
	if messageID == "" || sessionID == "" {
		return fmt.Errorf("message-id and session-id are required in outcome mode")
	}

	outcome := model.NewCallOutcomePayload(messageID, sessionID)
	outcome.Status = status
	switch status {
	case model.CallFailed:
		outcome.VendorConfirmed, outcome.InvoiceConfirmed, outcome.AmountConfirmed = nil, nil, nil
		outcome.FailureReason = "no_answer"
	case model.CallInProgress:
		outcome.CompletedAt = nil
	}
	if disputed {
		no := false
		outcome.InvoiceConfirmed = &no
	}

	body, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := model.SubjectFor(model.V1CallOutcome, companyID)
	msgID := fmt.Sprintf("%s-%s", sessionID, status)
	if err := nc.Publish(ctx, subject, body, msgID, map[string]string{"CompanyID": companyID}); err != nil {
		return err
	}
	logger.Log.Info("Call outcome published",
		zap.String("subject", subject),
		zap.String("message_id", messageID),
		zap.String("session_id", sessionID),
		zap.String("status", string(status)))
	return nil
}
