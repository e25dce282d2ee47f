package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/cache"
	"github.com/vgpu-advisor/deployd/pkg/events"
)

// Service routes deployment lifecycle events to the configured
// notification channels with bounded retries.
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	// Notification channel adapters
	slack   *SlackAdapter
	webhook *WebhookAdapter

	// Retry queue
	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	wg         sync.WaitGroup

	// Metrics
	metrics *Metrics
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID           string
	EventID      string
	EventType    string
	DeploymentID string
	Channel      string
	Payload      events.Event
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	LastAttempt  time.Time
}

// NewService creates a new notification service
func NewService(config *Config, cache *cache.Cache, logger *zap.Logger, bus *events.Bus) (*Service, error) {
	if !config.Enabled {
		logger.Info("notification service is disabled")
		return &Service{
			config: config,
			logger: logger,
		}, nil
	}

	s := &Service{
		config:     config,
		cache:      cache,
		logger:     logger,
		bus:        bus,
		retryQueue: make(chan *DeliveryTask, config.RetryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if config.SlackEnabled {
		s.slack = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}

	if config.WebhookEnabled {
		s.webhook = NewWebhookAdapter(
			config.WebhookURL,
			config.WebhookSecret,
			config.WebhookMethod,
			config.WebhookHeaders,
			logger,
		)
		logger.Info("generic webhook notifications enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)

	return s, nil
}

// Start subscribes to deployment events and starts the retry workers.
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled, skipping start")
		return nil
	}

	s.subscribeToEvents()

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
	)

	return nil
}

// Stop stops the notification service gracefully
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.logger.Info("stopping notification service")
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("notification service stopped")
	return nil
}

// subscribeToEvents subscribes to the terminal deployment events and
// host rejections. Per-step progress stays on the NDJSON stream; only
// outcomes are worth a page.
func (s *Service) subscribeToEvents() {
	s.bus.Subscribe(events.EventDeploymentSucceeded, s.handleEvent)
	s.bus.Subscribe(events.EventDeploymentDegraded, s.handleEvent)
	s.bus.Subscribe(events.EventDeploymentFailed, s.handleEvent)
	s.bus.Subscribe(events.EventHostRejected, s.handleEvent)

	s.logger.Info("subscribed to event types",
		zap.Strings("events", []string{
			string(events.EventDeploymentSucceeded),
			string(events.EventDeploymentDegraded),
			string(events.EventDeploymentFailed),
			string(events.EventHostRejected),
		}),
	)
}

// handleEvent routes one event to its configured channels
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	s.logger.Debug("handling event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("deployment_id", event.DeploymentID),
	)

	// Check if this event was already processed (idempotency)
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping",
			zap.String("event_id", event.ID),
		)
		return nil
	}

	channels := s.config.GetChannelsForEvent(string(event.Type))
	if len(channels) == 0 {
		s.logger.Debug("no channels configured for event type",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	for _, channel := range channels {
		task := &DeliveryTask{
			ID:           fmt.Sprintf("%s-%s", event.ID, channel),
			EventID:      event.ID,
			EventType:    string(event.Type),
			DeploymentID: event.DeploymentID,
			Channel:      channel,
			Payload:      event,
			RetryCount:   0,
			MaxRetries:   s.config.MaxRetries,
			CreatedAt:    time.Now(),
			LastAttempt:  time.Now(),
		}

		if err := s.deliver(ctx, task); err != nil {
			s.logger.Error("delivery failed, enqueuing for retry",
				zap.String("event_id", event.ID),
				zap.String("channel", channel),
				zap.Error(err),
			)
			s.enqueueRetry(task)
		}
	}

	s.markProcessed(ctx, event.ID)

	return nil
}

// deliver delivers a notification to the specified channel
func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	switch task.Channel {
	case "slack":
		if s.slack != nil {
			err = s.slack.Send(ctx, task.Payload)
		} else {
			err = fmt.Errorf("slack adapter not initialized")
		}

	case "webhook":
		if s.webhook != nil {
			err = s.webhook.Send(ctx, task.Payload)
		} else {
			err = fmt.Errorf("webhook adapter not initialized")
		}

	default:
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(startTime)

	if err != nil {
		s.metrics.RecordDelivery(task.Channel, task.EventType, "failed", duration)
		s.logger.Error("notification delivery failed",
			zap.String("event_id", task.EventID),
			zap.String("channel", task.Channel),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, task.EventType, "success", duration)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.EventID),
		zap.String("event_type", task.EventType),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)

	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.logger.Debug("task enqueued for retry",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

// retryWorker processes the retry queue
func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	s.logger.Info("retry worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-s.stopChan:
			s.logger.Info("retry worker stopping", zap.Int("worker_id", workerID))
			return

		case task := <-s.retryQueue:
			if task.RetryCount > task.MaxRetries {
				s.logger.Error("max retries exceeded, giving up",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
				)
				continue
			}

			backoff := s.calculateBackoff(task.RetryCount)
			s.logger.Debug("retrying after backoff",
				zap.String("task_id", task.ID),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-s.stopChan:
				return
			case <-time.After(backoff):
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Warn("retry failed, re-enqueuing",
					zap.String("task_id", task.ID),
					zap.String("channel", task.Channel),
					zap.Int("retry_count", task.RetryCount),
					zap.Error(err),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff calculates exponential backoff duration
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount))
	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// isDuplicate checks if an event was already processed
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	key := fmt.Sprintf("notification:processed:%s", eventID)
	exists, err := s.cache.Exists(ctx, key)
	if err != nil {
		s.logger.Error("failed to check duplicate", zap.Error(err))
		return false
	}
	return exists > 0
}

// markProcessed marks an event as processed
func (s *Service) markProcessed(ctx context.Context, eventID string) {
	key := fmt.Sprintf("notification:processed:%s", eventID)
	// Store for 24 hours
	if err := s.cache.Set(ctx, key, "1", 24*time.Hour); err != nil {
		s.logger.Error("failed to mark event as processed", zap.Error(err))
	}
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
