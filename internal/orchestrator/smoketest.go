package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/remote"
)

// SmokeResult reports functional verification of a server that already
// passed readiness. A failed smoke test never triggers a relaunch; the
// run finishes as a degraded success.
type SmokeResult struct {
	Healthy     bool
	InferenceOK bool
	Detail      string
}

// SmokeTester issues one health probe and one short chat completion
// against the freshly started server.
type SmokeTester struct {
	channel    remote.Channel
	serverPort int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSmokeTester creates a smoke tester for the given server port.
func NewSmokeTester(channel remote.Channel, serverPort int, timeout time.Duration, logger *zap.Logger) *SmokeTester {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &SmokeTester{channel: channel, serverPort: serverPort, timeout: timeout, logger: logger}
}

// Run executes both probes. The returned result distinguishes liveness
// from functional readiness.
func (s *SmokeTester) Run(ctx context.Context, model string) SmokeResult {
	result := SmokeResult{}

	healthCmd := fmt.Sprintf(
		"curl -s -o /dev/null -w '%%{http_code}' http://localhost:%d/health", s.serverPort,
	)
	res, err := s.channel.Execute(ctx, healthCmd, s.timeout)
	if err != nil || strings.TrimSpace(res.Stdout) != "200" {
		result.Detail = "health endpoint not answering"
		if err != nil {
			result.Detail += ": " + err.Error()
		}
		return result
	}
	result.Healthy = true

	payload, err := json.Marshal(map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "Say hello in one short sentence."},
		},
		"max_tokens": 50,
	})
	if err != nil {
		result.Detail = "could not encode inference request: " + err.Error()
		return result
	}
	chatCmd := fmt.Sprintf(
		"curl -s http://localhost:%d/v1/chat/completions -H 'Content-Type: application/json' -d %s",
		s.serverPort, shellQuote(string(payload)),
	)
	res, err = s.channel.Execute(ctx, chatCmd, s.timeout)
	if err != nil {
		result.Detail = "inference request failed: " + err.Error()
		return result
	}

	content, ok := extractCompletion(res.Stdout)
	if !ok || strings.TrimSpace(content) == "" {
		result.Detail = "inference response carried no generated content: " + firstLines(res.Stdout, 2)
		return result
	}

	result.InferenceOK = true
	s.logger.Info("smoke test passed",
		zap.String("model", model),
		zap.String("sample", firstLines(content, 1)),
	)
	return result
}

// shellQuote single-quotes s for the remote shell. Embedded single
// quotes are closed, escaped and reopened, so arbitrary model
// identifiers survive the command line intact.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// extractCompletion pulls the first choice's message content out of a
// chat-completion response body.
func extractCompletion(body string) (string, bool) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", false
	}
	if len(parsed.Choices) == 0 {
		return "", false
	}
	return parsed.Choices[0].Message.Content, true
}
