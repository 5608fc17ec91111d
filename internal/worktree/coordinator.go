package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentrt/engine/internal/eventstore"
)

// EventSink is the narrow persister surface the coordinator needs to record
// worktree.* events; *eventpersister.Persister satisfies it.
type EventSink interface {
	AppendAsync(ctx context.Context, typ eventstore.Type, payload any) (*eventstore.Event, error)
}

// Config configures a Coordinator.
type Config struct {
	Mode          Mode
	BranchPrefix  string // default "session/"
	WorktreesDir  string // relative to repo root, default ".worktrees"
	Executor      Executor
	Logger        *slog.Logger
}

// Coordinator arbitrates session <-> working-directory assignment for one
// repository root.
type Coordinator struct {
	cfg Config
	exe Executor
	log *slog.Logger

	mu          sync.Mutex
	bySession   map[string]*WorkingDirectory
	mainOwner   string // session id currently holding the (non-isolated) main directory, if any
}

// New creates a Coordinator. cfg.Executor defaults to OSExecutor.
func New(cfg Config) *Coordinator {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "session/"
	}
	if cfg.WorktreesDir == "" {
		cfg.WorktreesDir = ".worktrees"
	}
	if cfg.Executor == nil {
		cfg.Executor = OSExecutor{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		exe:       cfg.Executor,
		log:       logger.With("component", "worktree"),
		bySession: make(map[string]*WorkingDirectory),
	}
}

func (c *Coordinator) isGitRepo(ctx context.Context, dir string) bool {
	_, _, err := c.exe.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// Acquire resolves the working directory a session should run in, isolating
// it into a new worktree when policy calls for it.
func (c *Coordinator) Acquire(ctx context.Context, sink EventSink, sessionID, mainDir string, opts AcquireOptions) (*WorkingDirectory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.bySession[sessionID]; ok {
		return existing, nil
	}

	if !c.isGitRepo(ctx, mainDir) {
		wd := &WorkingDirectory{SessionID: sessionID, path: mainDir, isolated: false, coordinator: c}
		c.bySession[sessionID] = wd
		return wd, nil
	}

	isolate := c.shouldIsolate(opts)
	if !isolate {
		if c.mainOwner != "" && c.mainOwner != sessionID {
			isolate = true // lazy mode: someone already owns the shared directory
		}
	}

	if !isolate {
		c.mainOwner = sessionID
		wd := &WorkingDirectory{SessionID: sessionID, path: mainDir, isolated: false, repoRoot: mainDir, coordinator: c}
		c.bySession[sessionID] = wd
		return wd, nil
	}

	branch := c.cfg.BranchPrefix + sessionID
	worktreePath := filepath.Join(mainDir, c.cfg.WorktreesDir, sessionID)

	startPoint, err := c.resolveStartPoint(ctx, mainDir, opts)
	if err != nil {
		return nil, fmt.Errorf("worktree: resolving start point: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("worktree: preparing worktree directory: %w", err)
	}

	args := []string{"worktree", "add", "-b", branch, worktreePath, startPoint}
	if _, stderr, err := c.exe.Run(ctx, mainDir, args...); err != nil {
		return nil, fmt.Errorf("worktree: git worktree add: %w: %s", err, string(stderr))
	}

	wd := &WorkingDirectory{
		SessionID:   sessionID,
		path:        worktreePath,
		isolated:    true,
		branch:      branch,
		repoRoot:    mainDir,
		coordinator: c,
	}
	c.bySession[sessionID] = wd

	if sink != nil {
		_, _ = sink.AppendAsync(ctx, eventstore.TypeWorktreeAcquired, map[string]any{
			"sessionId": sessionID,
			"path":      worktreePath,
			"branch":    branch,
			"isolated":  true,
			"startPoint": startPoint,
		})
	}

	return wd, nil
}

func (c *Coordinator) shouldIsolate(opts AcquireOptions) bool {
	switch c.cfg.Mode {
	case ModeAlways:
		return true
	case ModeNever:
		return opts.ForceIsolation || opts.ParentSessionID != ""
	case ModeLazy:
		return opts.ForceIsolation || opts.ParentSessionID != ""
	default:
		return opts.ForceIsolation || opts.ParentSessionID != ""
	}
}

func (c *Coordinator) resolveStartPoint(ctx context.Context, mainDir string, opts AcquireOptions) (string, error) {
	if opts.ParentCommit != "" {
		return opts.ParentCommit, nil
	}
	if opts.ParentSessionID != "" {
		if parent, ok := c.bySession[opts.ParentSessionID]; ok {
			out, stderr, err := c.exe.Run(ctx, parent.path, "rev-parse", "HEAD")
			if err != nil {
				return "", fmt.Errorf("resolving parent HEAD: %w: %s", err, string(stderr))
			}
			return strings.TrimSpace(string(out)), nil
		}
	}
	out, stderr, err := c.exe.Run(ctx, mainDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving main HEAD: %w: %s", err, string(stderr))
	}
	return strings.TrimSpace(string(out)), nil
}

// Release tears down a session's working directory lease per opts.
func (c *Coordinator) Release(ctx context.Context, sessionID string, opts ReleaseOptions) error {
	return c.release(ctx, nil, sessionID, opts)
}

// ReleaseWithEvents is like Release but also appends worktree.* lifecycle
// events through sink.
func (c *Coordinator) ReleaseWithEvents(ctx context.Context, sink EventSink, sessionID string, opts ReleaseOptions) error {
	return c.release(ctx, sink, sessionID, opts)
}

func (c *Coordinator) release(ctx context.Context, sink EventSink, sessionID string, opts ReleaseOptions) error {
	c.mu.Lock()
	wd, ok := c.bySession[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrNotAcquired
	}
	delete(c.bySession, sessionID)
	if c.mainOwner == sessionID {
		c.mainOwner = ""
	}
	c.mu.Unlock()

	if !wd.isolated {
		c.emit(ctx, sink, eventstore.TypeWorktreeReleased, map[string]any{"sessionId": sessionID, "isolated": false})
		return nil
	}

	if _, err := os.Stat(wd.path); os.IsNotExist(err) {
		// Directory vanished externally: release the internal lease and
		// prune stale git worktree metadata, nothing more to do.
		_, _, _ = c.exe.Run(ctx, wd.repoRoot, "worktree", "prune")
		c.emit(ctx, sink, eventstore.TypeWorktreeReleased, map[string]any{"sessionId": sessionID, "vanished": true})
		return nil
	}

	if opts.AutoCommitMessage != "" {
		if err := c.autoCommit(ctx, wd, opts.AutoCommitMessage); err != nil {
			return fmt.Errorf("worktree: auto-commit on release: %w", err)
		}
		c.emit(ctx, sink, eventstore.TypeWorktreeCommit, map[string]any{"sessionId": sessionID, "message": opts.AutoCommitMessage})
	}

	if opts.MergeTargetBranch != "" {
		if err := c.Merge(ctx, wd, opts.MergeTargetBranch, opts.MergeStrategy); err != nil {
			return err
		}
		c.emit(ctx, sink, eventstore.TypeWorktreeMerged, map[string]any{
			"sessionId": sessionID,
			"target":    opts.MergeTargetBranch,
			"strategy":  string(opts.MergeStrategy),
		})
	}

	if opts.DeleteWorktreeOnRelease {
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "worktree", "remove", "--force", wd.path); err != nil {
			return fmt.Errorf("worktree: git worktree remove: %w: %s", err, string(stderr))
		}
		_, _, _ = c.exe.Run(ctx, wd.repoRoot, "branch", "-D", wd.branch)
	}

	c.emit(ctx, sink, eventstore.TypeWorktreeReleased, map[string]any{"sessionId": sessionID, "isolated": true})
	return nil
}

func (c *Coordinator) emit(ctx context.Context, sink EventSink, typ eventstore.Type, payload any) {
	if sink == nil {
		return
	}
	_, _ = sink.AppendAsync(ctx, typ, payload)
}

func (c *Coordinator) autoCommit(ctx context.Context, wd *WorkingDirectory, message string) error {
	out, _, err := c.exe.Run(ctx, wd.path, "status", "--porcelain")
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(out))) == 0 {
		return nil // nothing to commit
	}
	if _, stderr, err := c.exe.Run(ctx, wd.path, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w: %s", err, string(stderr))
	}
	if _, stderr, err := c.exe.Run(ctx, wd.path, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w: %s", err, string(stderr))
	}
	return nil
}

// Merge folds wd's branch into target using strategy. A dry-run conflict
// check runs first; on conflict, the target branch is left untouched and a
// *MergeConflictError carrying the raw conflict text is returned.
func (c *Coordinator) Merge(ctx context.Context, wd *WorkingDirectory, target string, strategy MergeStrategy) error {
	if strategy == "" {
		strategy = MergeStrategyMerge
	}

	if conflict, hasConflict := c.dryRunConflict(ctx, wd, target); hasConflict {
		return &MergeConflictError{Target: target, Conflict: conflict}
	}

	switch strategy {
	case MergeStrategySquash:
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "checkout", target); err != nil {
			return fmt.Errorf("git checkout %s: %w: %s", target, err, string(stderr))
		}
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "merge", "--squash", wd.branch); err != nil {
			return fmt.Errorf("git merge --squash: %w: %s", err, string(stderr))
		}
		msg := fmt.Sprintf("squash merge %s into %s", wd.branch, target)
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "commit", "-m", msg); err != nil {
			return fmt.Errorf("git commit (squash): %w: %s", err, string(stderr))
		}
	case MergeStrategyRebase:
		if _, stderr, err := c.exe.Run(ctx, wd.path, "rebase", target); err != nil {
			return fmt.Errorf("git rebase %s: %w: %s", target, err, string(stderr))
		}
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "checkout", target); err != nil {
			return fmt.Errorf("git checkout %s: %w: %s", target, err, string(stderr))
		}
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "merge", "--ff-only", wd.branch); err != nil {
			return fmt.Errorf("git merge --ff-only (post-rebase): %w: %s", err, string(stderr))
		}
	default: // MergeStrategyMerge
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "checkout", target); err != nil {
			return fmt.Errorf("git checkout %s: %w: %s", target, err, string(stderr))
		}
		if _, stderr, err := c.exe.Run(ctx, wd.repoRoot, "merge", "--no-ff", wd.branch); err != nil {
			return fmt.Errorf("git merge --no-ff: %w: %s", err, string(stderr))
		}
	}
	return nil
}

func (c *Coordinator) dryRunConflict(ctx context.Context, wd *WorkingDirectory, target string) (string, bool) {
	base, _, err := c.exe.Run(ctx, wd.repoRoot, "merge-base", target, wd.branch)
	if err != nil {
		// No common ancestor to diff against; let the real merge below decide.
		return "", false
	}
	_, stderr, err := c.exe.Run(ctx, wd.repoRoot, "merge-tree", strings.TrimSpace(string(base)), target, wd.branch)
	if err == nil {
		return "", false
	}
	return string(stderr), true
}

// OrphanPolicy controls how recoverOrphanedWorktrees disposes of worktrees
// that belong to no active session.
type OrphanPolicy struct {
	CommitDirty  bool
	DeleteOrphan bool
}

// RecoverOrphanedWorktrees scans the repo's worktree list, identifies
// entries under the coordinator's WorktreesDir not owned by any active
// session, attempts to commit dirty trees, and removes them if policy
// allows. Event emission is best-effort: a failed append is logged and
// otherwise ignored.
func (c *Coordinator) RecoverOrphanedWorktrees(ctx context.Context, sink EventSink, repoRoot string, policy OrphanPolicy) ([]string, error) {
	out, stderr, err := c.exe.Run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree: listing worktrees: %w: %s", err, string(stderr))
	}

	c.mu.Lock()
	owned := make(map[string]struct{}, len(c.bySession))
	for _, wd := range c.bySession {
		owned[wd.path] = struct{}{}
	}
	c.mu.Unlock()

	var recovered []string
	for _, path := range parseWorktreeListPaths(string(out)) {
		if path == repoRoot {
			continue
		}
		if !strings.Contains(path, c.cfg.WorktreesDir) {
			continue
		}
		if _, isOwned := owned[path]; isOwned {
			continue
		}

		if policy.CommitDirty {
			if statOut, _, serr := c.exe.Run(ctx, path, "status", "--porcelain"); serr == nil && len(strings.TrimSpace(string(statOut))) > 0 {
				_, _, _ = c.exe.Run(ctx, path, "add", "-A")
				_, _, _ = c.exe.Run(ctx, path, "commit", "-m", "orphaned worktree recovery: auto-commit before cleanup")
			}
		}

		if policy.DeleteOrphan {
			if _, stderr, err := c.exe.Run(ctx, repoRoot, "worktree", "remove", "--force", path); err != nil {
				c.log.Warn("failed to remove orphaned worktree", "path", path, "error", err, "stderr", string(stderr))
				continue
			}
		}

		recovered = append(recovered, path)
		if sink != nil {
			_, _ = sink.AppendAsync(ctx, eventstore.TypeWorktreeReleased, map[string]any{
				"path":    path,
				"orphan":  true,
				"deleted": policy.DeleteOrphan,
			})
		}
	}

	return recovered, nil
}

func parseWorktreeListPaths(porcelain string) []string {
	var paths []string
	for _, line := range strings.Split(porcelain, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "worktree ")))
		}
	}
	return paths
}

// NewSessionID generates a fresh session-scoped identifier for tests and
// callers that don't already have one (mirrors the teacher's uuid-based
// run-id generation in the multiagent registry).
func NewSessionID() string {
	return uuid.NewString()
}

// StartSweeper runs RecoverOrphanedWorktrees on interval until ctx is
// cancelled, using github.com/robfig/cron/v3 the way the teacher's own
// internal/cron package wraps scheduled expressions.
func (c *Coordinator) StartSweeper(ctx context.Context, sched Scheduler, sink EventSink, repoRoot string, policy OrphanPolicy) error {
	id, err := sched.AddFunc(func() {
		if _, err := c.RecoverOrphanedWorktrees(ctx, sink, repoRoot, policy); err != nil {
			c.log.Warn("orphan worktree sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	sched.Start()
	go func() {
		<-ctx.Done()
		sched.Remove(id)
		sched.Stop()
	}()
	return nil
}
