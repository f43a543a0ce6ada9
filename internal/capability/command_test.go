package capability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchyard/internal/exec"
)

type fakeRunner struct {
	result *exec.Result
	err    error
	got    exec.Command
}

func (f *fakeRunner) Run(ctx context.Context, cmd exec.Command) (*exec.Result, error) {
	f.got = cmd
	return f.result, f.err
}

func (f *fakeRunner) LookPath(string) bool { return true }

func TestCommandExecutorSuccessJSON(t *testing.T) {
	runner := &fakeRunner{result: &exec.Result{Stdout: []byte(`{"score": 0.9}` + "\n"), ExitCode: 0}}
	ce := NewCommandExecutor(runner, []string{"scorer", "--fast"})

	out, err := ce.Execute(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.JSONEq(t, `{"score": 0.9}`, string(out.Payload))

	assert.Equal(t, "scorer", runner.got.Name)
	assert.Equal(t, []string{"--fast"}, runner.got.Args)
	assert.JSONEq(t, `{"text":"hi"}`, string(runner.got.Stdin))
	require.NotEmpty(t, runner.got.Env)
	assert.True(t, strings.HasPrefix(runner.got.Env[0], ParamsEnvVar+"="))
}

func TestCommandExecutorPlainTextPayload(t *testing.T) {
	runner := &fakeRunner{result: &exec.Result{Stdout: []byte("hello world\n")}}
	out, err := NewCommandExecutor(runner, []string{"echo"}).Execute(context.Background(), nil)
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(out.Payload, &s))
	assert.Equal(t, "hello world", s)
}

func TestCommandExecutorFailureUsesStderr(t *testing.T) {
	runner := &fakeRunner{
		result: &exec.Result{Stderr: []byte("model unavailable\n"), ExitCode: 2},
		err:    errors.New("exit status 2"),
	}
	out, err := NewCommandExecutor(runner, []string{"x"}).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "model unavailable", out.Error)
}

func TestCommandExecutorStartFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("not found")}
	_, err := NewCommandExecutor(runner, []string{"missing"}).Execute(context.Background(), nil)
	assert.EqualError(t, err, "not found")
}

func TestCommandExecutorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{result: &exec.Result{ExitCode: -1}, err: errors.New("signal: interrupt")}
	_, err := NewCommandExecutor(runner, []string{"x"}).Execute(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandExecutorEmptyArgv(t *testing.T) {
	_, err := (&CommandExecutor{Runner: &fakeRunner{}}).Execute(context.Background(), nil)
	assert.Error(t, err)
}
