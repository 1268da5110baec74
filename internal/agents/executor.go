package agents

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeck-dev/codeck/internal/bus"
	"github.com/codeck-dev/codeck/internal/memory"
	"github.com/codeck-dev/codeck/internal/store/file"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

const logTruncatedMarker = "\n[log truncated: size limit reached]\n"

// Executor runs one headless agent invocation at a time per call site and
// owns timeout escalation.
type Executor struct {
	AgentBinary string
	KillGrace   time.Duration
	Store       *Store
	Bus         bus.Publisher
	// SpawnEnv supplies upstream auth env at spawn time.
	SpawnEnv func() map[string]string

	mu      sync.Mutex
	current map[string]*os.Process // agentId → running child
}

func NewExecutor(binary string, killGrace time.Duration, store *Store, publisher bus.Publisher) *Executor {
	return &Executor{
		AgentBinary: binary,
		KillGrace:   killGrace,
		Store:       store,
		Bus:         publisher,
		current:     make(map[string]*os.Process),
	}
}

// streamLine is one line of the agent's stream-json output.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`
}

// Run executes the agent once and returns the execution record. The record
// is persisted along with the raw JSONL stream and a sanitised text log.
func (e *Executor) Run(ctx context.Context, cfg *Config) *Execution {
	tracer := otel.Tracer("codeck/agents")
	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", cfg.ID),
		attribute.String("agent.cwd", cfg.Cwd),
	))
	defer span.End()

	started := time.Now()
	rec := &Execution{
		ExecutionID: uuid.NewString(),
		AgentID:     cfg.ID,
		StartedAt:   started,
	}
	stamp := started.UTC().Format("2006-01-02T15-04-05.000")

	files, err := e.Store.NewExecutionFiles(cfg.ID, stamp)
	if err != nil {
		rec.Result = ResultFailure
		rec.Error = err.Error()
		return e.finish(files, rec, "", started)
	}

	e.broadcast(cfg.ID, protocol.AgentEventRunStarted, map[string]any{"executionId": rec.ExecutionID})

	result, exitCode, textOut, lines, runErr := e.spawn(ctx, cfg, files)
	rec.Result = result
	rec.OutputLines = lines
	if exitCode >= 0 {
		rec.ExitCode = &exitCode
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return e.finish(files, rec, textOut, started)
}

func (e *Executor) finish(files ExecutionFiles, rec *Execution, textOut string, started time.Time) *Execution {
	rec.CompletedAt = time.Now()
	rec.DurationMs = rec.CompletedAt.Sub(started).Milliseconds()

	if files.TextLog != "" && textOut != "" {
		// Live output is raw; only the persisted log is redacted.
		os.WriteFile(files.TextLog, []byte(memory.Sanitize(textOut)), file.OwnerOnly)
	}
	if files.Result != "" {
		e.Store.SaveExecution(files, rec)
	}

	event := protocol.AgentEventRunCompleted
	if rec.Result != ResultSuccess {
		event = protocol.AgentEventRunFailed
	}
	e.broadcast(rec.AgentID, event, map[string]any{
		"executionId": rec.ExecutionID,
		"result":      rec.Result,
		"durationMs":  rec.DurationMs,
	})
	return rec
}

func (e *Executor) spawn(ctx context.Context, cfg *Config, files ExecutionFiles) (Result, int, string, int, error) {
	args := []string{"-p", cfg.Objective, "--output-format", "stream-json", "--verbose"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	cmd := exec.Command(e.AgentBinary, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = execEnv(e.SpawnEnv)
	// Its own process group, so escalation signals the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ResultFailure, -1, "", 0, err
	}
	cmd.Stderr = cmd.Stdout // interleave; the raw log wants everything

	rawLog, err := os.OpenFile(files.RawLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.OwnerOnly)
	if err != nil {
		return ResultFailure, -1, "", 0, err
	}
	defer rawLog.Close()

	if err := cmd.Start(); err != nil {
		return ResultFailure, -1, "", 0, fmt.Errorf("spawn agent: %w", err)
	}

	e.mu.Lock()
	e.current[cfg.ID] = cmd.Process
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.current, cfg.ID)
		e.mu.Unlock()
	}()

	timedOut := make(chan struct{})
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	timer := time.AfterFunc(timeout, func() {
		close(timedOut)
		e.escalate(cmd.Process)
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		e.escalate(cmd.Process)
	})
	defer stop()

	var textOut strings.Builder
	var logged int64
	var truncated bool
	lines := 0

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		lines++

		if !truncated {
			if logged+int64(len(line))+1 > MaxLogBytes {
				rawLog.WriteString(logTruncatedMarker)
				truncated = true
			} else {
				rawLog.Write(line)
				rawLog.Write([]byte{'\n'})
				logged += int64(len(line)) + 1
			}
		}

		var parsed streamLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			continue
		}
		for _, block := range parsed.Message.Content {
			if block.Type == "text" && block.Text != "" {
				textOut.WriteString(block.Text)
				textOut.WriteString("\n")
				e.broadcast(cfg.ID, protocol.AgentEventRunOutput, map[string]any{"text": block.Text})
			}
		}
		if parsed.Type == "result" && parsed.IsError {
			textOut.WriteString(parsed.Result)
			textOut.WriteString("\n")
		}
	}

	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		exitCode = 1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	select {
	case <-timedOut:
		return ResultTimeout, exitCode, textOut.String(), lines, fmt.Errorf("timed out after %v", timeout)
	default:
	}
	if ctx.Err() != nil {
		return ResultFailure, exitCode, textOut.String(), lines, ctx.Err()
	}
	if waitErr != nil {
		return ResultFailure, exitCode, textOut.String(), lines, waitErr
	}
	return ResultSuccess, exitCode, textOut.String(), lines, nil
}

// escalate sends SIGTERM to the child's process group, then SIGKILL after
// the clamped grace window if it is still alive.
func (e *Executor) escalate(proc *os.Process) {
	if proc == nil {
		return
	}
	pgid := -proc.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	grace := e.KillGrace
	if grace < 5*time.Second {
		grace = 5 * time.Second
	}
	if grace > 60*time.Second {
		grace = 60 * time.Second
	}
	time.AfterFunc(grace, func() {
		// Errors mean the group is already gone.
		syscall.Kill(pgid, syscall.SIGKILL)
	})
}

// SignalAll SIGTERMs every running execution (shutdown path).
func (e *Executor) SignalAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, proc := range e.current {
		syscall.Kill(-proc.Pid, syscall.SIGTERM)
	}
}

func (e *Executor) broadcast(agentID, eventType string, data any) {
	if e.Bus == nil {
		return
	}
	e.Bus.Broadcast(bus.Event{
		Name:    protocol.EventAgent,
		Payload: protocol.AgentEvent{Type: eventType, AgentID: agentID, Data: data},
	})
}

func execEnv(extra func() map[string]string) []string {
	env := os.Environ()
	if extra == nil {
		return env
	}
	for k, v := range extra() {
		env = append(env, k+"="+v)
	}
	return env
}
