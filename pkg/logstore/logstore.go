package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/cache"
)

// Phase represents the current phase of a deployment run
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseInspecting   Phase = "inspecting"
	PhaseProvisioning Phase = "provisioning"
	PhaseLaunching    Phase = "launching"
	PhaseMonitoring   Phase = "monitoring"
	PhaseSmokeTest    Phase = "smoke_test"
	PhaseCleanup      Phase = "cleanup"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// Level represents log severity
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelDebug Level = "debug"
)

// Entry is a single retained log line for a deployment
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
}

// Cipher optionally encrypts entries at rest. Entries may carry raw
// remote output, so operators can opt in to sealing them in Redis.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Store manages deployment logs in Redis
type Store struct {
	cache  *cache.Cache
	logger *zap.Logger
	cipher Cipher
	ttl    time.Duration
}

// NewStore creates a new log store. cipher may be nil for plaintext
// storage.
func NewStore(cache *cache.Cache, logger *zap.Logger, cipher Cipher, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		cache:  cache,
		logger: logger,
		cipher: cipher,
		ttl:    ttl,
	}
}

// Append appends a log entry for a deployment
func (s *Store) Append(ctx context.Context, deploymentID string, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	payload := string(data)
	if s.cipher != nil {
		payload, err = s.cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("failed to seal log entry: %w", err)
		}
	}

	key := s.logKey(deploymentID)

	// RPUSH keeps entries in append order
	if err := s.cache.Client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}

	// Refresh retention on each append
	if err := s.cache.Expire(ctx, key, s.ttl); err != nil {
		s.logger.Warn("failed to set log expiration",
			zap.String("deployment_id", deploymentID),
			zap.Error(err),
		)
	}

	return nil
}

// GetLogs retrieves logs for a deployment with optional filtering
func (s *Store) GetLogs(ctx context.Context, deploymentID string, tail int, since *time.Time) ([]Entry, error) {
	key := s.logKey(deploymentID)

	raw, err := s.cache.Client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve logs: %w", err)
	}

	var entries []Entry
	for _, item := range raw {
		if s.cipher != nil {
			item, err = s.cipher.Decrypt(item)
			if err != nil {
				s.logger.Warn("failed to unseal log entry",
					zap.String("deployment_id", deploymentID),
					zap.Error(err),
				)
				continue
			}
		}

		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.logger.Warn("failed to unmarshal log entry",
				zap.String("deployment_id", deploymentID),
				zap.Error(err),
			)
			continue
		}

		if since != nil && entry.Timestamp.Before(*since) {
			continue
		}

		entries = append(entries, entry)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}

	return entries, nil
}

// StreamLogs streams logs for a deployment until the context is
// canceled. Existing entries are replayed first, then new entries are
// polled every 500ms.
func (s *Store) StreamLogs(ctx context.Context, deploymentID string, tail int, since *time.Time) (<-chan Entry, <-chan error) {
	logChan := make(chan Entry, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(logChan)
		defer close(errChan)

		existing, err := s.GetLogs(ctx, deploymentID, tail, since)
		if err != nil {
			errChan <- err
			return
		}

		for _, entry := range existing {
			select {
			case <-ctx.Done():
				return
			case logChan <- entry:
			}
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		var lastTimestamp time.Time
		if len(existing) > 0 {
			lastTimestamp = existing[len(existing)-1].Timestamp
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fresh, err := s.GetLogs(ctx, deploymentID, 0, &lastTimestamp)
				if err != nil {
					s.logger.Error("failed to poll for new logs",
						zap.String("deployment_id", deploymentID),
						zap.Error(err),
					)
					continue
				}

				for _, entry := range fresh {
					if !entry.Timestamp.After(lastTimestamp) {
						continue
					}

					select {
					case <-ctx.Done():
						return
					case logChan <- entry:
						lastTimestamp = entry.Timestamp
					}
				}
			}
		}
	}()

	return logChan, errChan
}

// ClearLogs removes all logs for a deployment
func (s *Store) ClearLogs(ctx context.Context, deploymentID string) error {
	return s.cache.Delete(ctx, s.logKey(deploymentID))
}

func (s *Store) logKey(deploymentID string) string {
	return fmt.Sprintf("deploy_logs:%s", deploymentID)
}

// Info logs an info-level message
func (s *Store) Info(ctx context.Context, deploymentID string, phase Phase, message string) error {
	return s.Append(ctx, deploymentID, Entry{Level: LevelInfo, Phase: phase, Message: message})
}

// Error logs an error-level message with diagnostic details
func (s *Store) Error(ctx context.Context, deploymentID string, phase Phase, message, details string) error {
	return s.Append(ctx, deploymentID, Entry{Level: LevelError, Phase: phase, Message: message, Details: details})
}

// Warn logs a warning-level message
func (s *Store) Warn(ctx context.Context, deploymentID string, phase Phase, message string) error {
	return s.Append(ctx, deploymentID, Entry{Level: LevelWarn, Phase: phase, Message: message})
}
