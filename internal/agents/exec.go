package agents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/dispatch/internal/scheduler"
)

// CommandAgent executes tasks by running a configured binary once per
// task. The task title and skill list are passed as arguments and the
// task payload is written to stdin. Exit status zero means success.
type CommandAgent struct {
	Command string
	Args    []string
	WorkDir string
}

// Execute implements Agent.
func (a *CommandAgent) Execute(ctx context.Context, task scheduler.Task) (Outcome, error) {
	start := time.Now()

	args := append([]string(nil), a.Args...)
	args = append(args, task.ID, task.Title)

	cmd := newCommand(ctx, a.Command, args...)
	cmd.Dir = a.WorkDir
	cmd.Stdin = strings.NewReader(taskPayload(task))

	stdout, _, err := runCommand(cmd)
	elapsed := time.Since(start)
	if err != nil {
		return Outcome{Success: false, Elapsed: elapsed, Reason: "exec"}, err
	}

	return Outcome{
		Success: true,
		Output:  string(stdout),
		Elapsed: elapsed,
	}, nil
}

func taskPayload(task scheduler.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %s\n", task.ID)
	fmt.Fprintf(&sb, "title: %s\n", task.Title)
	fmt.Fprintf(&sb, "type: %s\n", task.Type)
	fmt.Fprintf(&sb, "skills: %s\n", strings.Join(task.Skills, ","))
	return sb.String()
}

// newCommand creates an exec.Cmd with process group isolation so the
// whole subprocess tree terminates together on cancellation.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// runCommand starts the command and drains stdout and stderr
// concurrently before calling Wait. Draining both pipes first prevents a
// deadlock when subprocess output exceeds pipe buffer capacity.
func runCommand(cmd *exec.Cmd) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}
