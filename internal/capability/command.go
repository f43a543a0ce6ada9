package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/switchyard/internal/exec"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ParamsEnvVar carries the JSON-encoded invocation parameters to command capabilities.
const ParamsEnvVar = "SWITCHYARD_PARAMS"

// CommandExecutor runs an external process per invocation. Parameters are
// written to stdin as JSON and exported in ParamsEnvVar. Exit status 0 is
// success. Stdout becomes the payload: verbatim when it is valid JSON,
// otherwise as a JSON string.
type CommandExecutor struct {
	Runner      exec.CommandRunner
	Argv        []string
	WorkDir     string
	Env         []string
	GracePeriod time.Duration
}

// NewCommandExecutor creates an executor for argv using runner.
func NewCommandExecutor(runner exec.CommandRunner, argv []string) *CommandExecutor {
	return &CommandExecutor{Runner: runner, Argv: argv}
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, params map[string]any) (Outcome, error) {
	if len(c.Argv) == 0 {
		return Outcome{}, fmt.Errorf("command executor has no argv")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode params: %w", err)
	}

	env := append([]string{ParamsEnvVar + "=" + string(raw)}, c.Env...)
	res, runErr := c.Runner.Run(ctx, exec.Command{
		Name:        c.Argv[0],
		Args:        c.Argv[1:],
		WorkDir:     c.WorkDir,
		Env:         env,
		Stdin:       raw,
		GracePeriod: c.GracePeriod,
	})
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if res == nil {
		return Outcome{}, runErr
	}

	out := Outcome{
		Success: runErr == nil && res.ExitCode == 0,
		Payload: payloadFrom(res.Stdout),
		Usage: models.ResourceUsage{
			WallTime:    res.WallTime,
			CPUTime:     res.CPUTime,
			MemoryBytes: res.MaxRSS,
		},
	}
	if !out.Success {
		msg := strings.TrimSpace(string(res.Stderr))
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		out.Error = msg
	}
	return out, nil
}

func payloadFrom(stdout []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(trimmed)
	return b
}
