// Package worktree arbitrates the mapping between sessions and working
// directories, isolating forked/concurrent sessions into their own git
// worktrees when the configured policy calls for it.
package worktree

import (
	"context"
	"errors"
)

// Mode controls when a session is given an isolated worktree instead of
// sharing the main working directory.
type Mode string

const (
	ModeNever  Mode = "never"
	ModeLazy   Mode = "lazy"
	ModeAlways Mode = "always"
)

// MergeStrategy selects how an isolated session's branch is folded back
// into its target branch on release.
type MergeStrategy string

const (
	MergeStrategyMerge  MergeStrategy = "merge"
	MergeStrategyRebase MergeStrategy = "rebase"
	MergeStrategySquash MergeStrategy = "squash"
)

// AcquireOptions customizes how a session's working directory is resolved.
type AcquireOptions struct {
	ForceIsolation  bool
	ParentSessionID string
	ParentCommit    string // commit-ish to branch from; overrides ParentSessionID's HEAD
}

// ReleaseOptions customizes how a session's working directory is torn down.
type ReleaseOptions struct {
	AutoCommitMessage       string // non-empty commits dirty changes with this message before merge/delete
	MergeTargetBranch       string // non-empty triggers a merge back into this branch
	MergeStrategy           MergeStrategy
	DeleteWorktreeOnRelease bool
}

// WorkingDirectory is the lease ActiveSession holds on a directory. Path and
// Isolated never change after Acquire returns it.
type WorkingDirectory struct {
	SessionID string
	path      string
	isolated  bool
	branch    string
	repoRoot  string

	coordinator *Coordinator
}

func (w *WorkingDirectory) Path() string  { return w.path }
func (w *WorkingDirectory) Isolated() bool { return w.isolated }

// Release returns the lease to the coordinator with default options
// (no auto-commit, no merge, worktree left on disk).
func (w *WorkingDirectory) Release(ctx context.Context) error {
	return w.coordinator.Release(ctx, w.SessionID, ReleaseOptions{})
}

// Errors returned by Coordinator operations.
var (
	ErrNotAcquired    = errors.New("worktree: session has no acquired working directory")
	ErrAlreadyLeased  = errors.New("worktree: directory is leased by another session")
	ErrMergeConflict  = errors.New("worktree: merge would conflict")
	ErrNotGitRepo     = errors.New("worktree: path is not a git repository")
)

// MergeConflictError carries the raw conflict text surfaced by a dry-run
// merge check, without mutating the target branch.
type MergeConflictError struct {
	Target  string
	Conflict string
}

func (e *MergeConflictError) Error() string {
	return "worktree: merge into " + e.Target + " would conflict: " + e.Conflict
}

func (e *MergeConflictError) Unwrap() error { return ErrMergeConflict }
