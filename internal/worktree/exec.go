package worktree

import (
	"bytes"
	"context"
	"os/exec"
)

// Executor runs a git subcommand in dir and reports its separated
// stdout/stderr. The default implementation shells out to the system git;
// tests substitute a fake.
type Executor interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr []byte, err error)
}

// OSExecutor runs git via os/exec, the same way the teacher's skill and
// template discovery sources shell out to git.
type OSExecutor struct{}

func (OSExecutor) Run(ctx context.Context, dir string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
