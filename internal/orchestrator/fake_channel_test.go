package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vgpu-advisor/deployd/pkg/models"
)

// respRule maps a command substring to a canned result.
type respRule struct {
	match  string
	stdout string
	stderr string
	exit   int
	err    error
}

// fakeChannel is a scripted remote.Channel for orchestrator tests.
// Execute answers from substring rules, Stream replays canned
// transcripts (one per successive call).
type fakeChannel struct {
	mu          sync.Mutex
	rules       []respRule
	transcripts [][]string
	executed    []string
	detached    []string
	streamCalls int
}

func (f *fakeChannel) Execute(_ context.Context, command string, _ time.Duration) (models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)

	for _, rule := range f.rules {
		if strings.Contains(command, rule.match) {
			if rule.err != nil {
				return models.CommandResult{Command: command}, rule.err
			}
			return models.CommandResult{
				Command:  command,
				Stdout:   rule.stdout,
				Stderr:   rule.stderr,
				ExitCode: rule.exit,
			}, nil
		}
	}
	return models.CommandResult{Command: command}, nil
}

func (f *fakeChannel) Detach(_ context.Context, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, command)
	return nil
}

func (f *fakeChannel) Stream(_ context.Context, _ string) (<-chan string, <-chan error, error) {
	f.mu.Lock()
	idx := f.streamCalls
	f.streamCalls++
	var transcript []string
	if len(f.transcripts) > 0 {
		if idx >= len(f.transcripts) {
			idx = len(f.transcripts) - 1
		}
		transcript = f.transcripts[idx]
	}
	f.mu.Unlock()

	lines := make(chan string, len(transcript)+1)
	for _, line := range transcript {
		lines <- line
	}
	close(lines)

	errc := make(chan error)
	close(errc)
	return lines, errc, nil
}

func (f *fakeChannel) Close() error { return nil }

// commandCount counts executed commands containing the substring.
func (f *fakeChannel) commandCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.executed {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}
