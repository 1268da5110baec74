// Package agents runs operator-defined proactive agents: cron-scheduled
// headless invocations with per-cwd mutual exclusion, timeout escalation,
// failure quarantine, and persisted execution history.
package agents

import (
	"os"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultTimeout Result = "timeout"
)

const (
	DefaultMaxAgents    = 10
	MaxNameLen          = 50
	MaxObjectiveLen     = 10000
	MaxLogBytes         = 50 * 1024 * 1024
	MaxExecutionHistory = 100
	defaultMaxRetries   = 3
	defaultTimeoutMs    = 10 * 60 * 1000
)

// Config is the persisted definition of one agent.
type Config struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Objective  string    `json:"objective"`
	CronExpr   string    `json:"cronExpr"`
	Cwd        string    `json:"cwd"`
	Model      string    `json:"model,omitempty"`
	TimeoutMs  int       `json:"timeoutMs"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// State is the persisted run-state of one agent.
type State struct {
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastResult          Result     `json:"lastResult,omitempty"`
	TotalRuns           int        `json:"totalRuns"`
	NextRunAt           *time.Time `json:"nextRunAt,omitempty"`
}

// Execution records one completed run.
type Execution struct {
	ExecutionID string    `json:"executionId"`
	AgentID     string    `json:"agentId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
	Result      Result    `json:"result"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	OutputLines int       `json:"outputLines"`
	Error       string    `json:"error,omitempty"`
}

// Validate checks a config's bounds; defaults are applied in place.
func (c *Config) Validate() error {
	if c.Name == "" || len(c.Name) > MaxNameLen {
		return errkind.Newf(errkind.Validation, "name must be 1-%d characters", MaxNameLen)
	}
	if c.Objective == "" || len(c.Objective) > MaxObjectiveLen {
		return errkind.Newf(errkind.Validation, "objective must be 1-%d characters", MaxObjectiveLen)
	}
	if _, err := ParseSchedule(c.CronExpr); err != nil {
		return err
	}
	info, err := os.Stat(c.Cwd)
	if err != nil || !info.IsDir() {
		return errkind.Newf(errkind.Validation, "cwd is not a directory: %s", c.Cwd)
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = defaultTimeoutMs
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return nil
}
