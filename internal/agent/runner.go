// Package agent is the phone-home process baked into instance images.
// It runs the job's startup script and reports the lifecycle back to
// the core over CloudEvents, authenticated with the callback token.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mimiry/internal/job"
	"mimiry/pkg/backoff"
	"mimiry/pkg/cloudevent"
)

const eventSource = "mimiry/agent"

// stderrTailSize bounds how much failure output rides along in the
// failed event.
const stderrTailSize = 4096

// Runner executes the startup script and reports started, heartbeat,
// and the terminal event.
type Runner struct {
	config            *Config
	sender            *cloudevent.Sender
	eventsURL         string
	heartbeatInterval time.Duration
}

// NewRunner creates an agent runner.
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg.JobID == "" {
		return nil, errors.New("MIMIRY_JOB_ID is required")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("MIMIRY_CALLBACK_URL is required")
	}

	interval := time.Duration(cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	return &Runner{
		config:            cfg,
		sender:            cloudevent.NewSender(cfg.CallbackTimeout),
		eventsURL:         strings.TrimRight(cfg.CallbackURL, "/") + "/v1/agent/events",
		heartbeatInterval: interval,
	}, nil
}

// Run executes the agent flow:
//  1. Report started.
//  2. Heartbeat on the configured interval while the script runs.
//  3. Report completed or failed with the script's outcome.
//
// A started event that cannot be delivered does not abort the job; the
// core promotes the job on the first heartbeat that gets through.
func (r *Runner) Run(ctx context.Context) error {
	logger := slog.With("jobId", r.config.JobID)
	logger.Info("Agent starting", "heartbeatInterval", r.heartbeatInterval)

	if err := r.sendEvent(ctx, job.EventStarted, nil); err != nil {
		logger.Warn("Failed to deliver started event", "error", err)
	}

	heartbeatCtx, stopHeartbeats := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(heartbeatCtx)
	}()

	exitCode, runErr := r.runScript(ctx)

	stopHeartbeats()
	wg.Wait()

	// Terminal events are sent with a fresh context: the script may have
	// consumed the whole runtime budget, but the outcome still has to
	// reach the core.
	sendCtx, cancel := context.WithTimeout(context.Background(), r.config.CallbackTimeout*2)
	defer cancel()

	if runErr != nil {
		logger.Error("Startup script failed", "exitCode", exitCode, "error", runErr)
		return r.sendEvent(sendCtx, job.EventFailed, map[string]any{
			"error_message": runErr.Error(),
			"exit_code":     exitCode,
		})
	}

	logger.Info("Startup script completed")
	return r.sendEvent(sendCtx, job.EventCompleted, nil)
}

// runScript executes the startup script. MIMIRY_STARTUP_SCRIPT may be
// a path (cloud user data writes the script to disk) or inline text
// (the container backend passes it through the environment).
func (r *Runner) runScript(ctx context.Context) (int, error) {
	script := r.config.StartupScript
	if script == "" {
		return 0, errors.New("no startup script configured")
	}

	var cmd *exec.Cmd
	if info, err := os.Stat(script); err == nil && !info.IsDir() {
		cmd = exec.CommandContext(ctx, "/bin/sh", script)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}

	tail := &tailBuffer{limit: stderrTailSize}
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, tail)
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if msg := tail.String(); msg != "" {
			return exitCode, fmt.Errorf("%s", strings.TrimSpace(msg))
		}
		return exitCode, err
	}
	return 0, nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sendEvent(ctx, job.EventHeartbeat, nil); err != nil {
				slog.Warn("Heartbeat delivery failed", "error", err)
			}
		}
	}
}

// sendEvent delivers one CloudEvent with retries. Client errors are
// permanent: a rejected token means the job was finalized or superseded
// on the core side, and retrying cannot change that.
func (r *Runner) sendEvent(ctx context.Context, eventType string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["job_id"] = r.config.JobID

	event := cloudevent.New(eventType, eventSource, r.config.JobID, uuid.NewString(), data)
	opts := cloudevent.SendOptions{BearerToken: r.config.CallbackToken}

	var lastErr error
	for attempt := 0; attempt <= r.config.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &backoff.Config{Jitter: true})):
			}
		}

		lastErr = r.sender.Send(ctx, r.eventsURL, event, opts)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
