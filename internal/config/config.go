// Package config loads the engine's settings surface: an explicitly
// enumerated set of recognized options (model/token defaults, retry
// backoff, hook timeouts, worktree isolation policy, embedding generation,
// and OAuth token refresh) from a single YAML/JSON5 file, with $include
// resolution and environment-variable expansion, grounded on the teacher's
// internal/config/loader.go. Unlike the teacher's product config (gateway,
// channels, plugins, marketplace — none of which this repo wires), Config
// here covers exactly the collaborators internal/orchestrator assembles:
// internal/provider.RetryPolicy, internal/hookengine.Engine's default
// timeout, internal/worktree.Coordinator/ReleaseOptions,
// internal/eventstore's embeddings toggle, and
// internal/provider.OAuthCredential's refresh buffer.
package config

import (
	"fmt"
	"time"

	"github.com/agentrt/engine/internal/backoff"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/worktree"
)

// Config is the full set of recognized settings. Every field has a zero
// value that Default() or Load() replaces with a sane default, so a caller
// may also build one by hand (as cmd/enginectl's tests do) without reading
// a file at all.
type Config struct {
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTokens int    `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`

	Retry      RetryConfig      `yaml:"retry,omitempty" json:"retry,omitempty"`
	Hooks      HooksConfig      `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Worktrees  WorktreesConfig  `yaml:"worktrees,omitempty" json:"worktrees,omitempty"`
	Embeddings EmbeddingsConfig `yaml:"embeddings,omitempty" json:"embeddings,omitempty"`
	OAuth      OAuthConfig      `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// RetryConfig mirrors provider.RetryPolicy wrapped around a
// backoff.BackoffPolicy curve.
type RetryConfig struct {
	MaxRetries  int     `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	BaseDelayMs float64 `yaml:"baseDelayMs,omitempty" json:"baseDelayMs,omitempty"`
	MaxDelayMs  float64 `yaml:"maxDelayMs,omitempty" json:"maxDelayMs,omitempty"`
	JitterFactor float64 `yaml:"jitterFactor,omitempty" json:"jitterFactor,omitempty"`
}

// Policy converts RetryConfig into the provider.RetryPolicy the Dispatcher's
// Adapters are built with. The exponential factor is not spec-configurable
// so it is carried over from backoff.DefaultPolicy.
func (r RetryConfig) Policy() provider.RetryPolicy {
	d := backoff.DefaultPolicy()
	return provider.RetryPolicy{
		MaxRetries: r.MaxRetries,
		Backoff: backoff.BackoffPolicy{
			InitialMs: r.BaseDelayMs,
			MaxMs:     r.MaxDelayMs,
			Factor:    d.Factor,
			Jitter:    r.JitterFactor,
		},
	}
}

// HooksConfig governs internal/hookengine.Engine construction.
type HooksConfig struct {
	DefaultTimeoutMs int `yaml:"defaultTimeoutMs,omitempty" json:"defaultTimeoutMs,omitempty"`
}

// Timeout converts DefaultTimeoutMs to a time.Duration for hookengine.New.
func (h HooksConfig) Timeout() time.Duration {
	return time.Duration(h.DefaultTimeoutMs) * time.Millisecond
}

// WorktreesConfig governs worktree.Coordinator construction and the
// default worktree.ReleaseOptions applied on session end.
type WorktreesConfig struct {
	IsolationMode string `yaml:"isolationMode,omitempty" json:"isolationMode,omitempty"`
	BranchPrefix  string `yaml:"branchPrefix,omitempty" json:"branchPrefix,omitempty"`

	// AutoCommitOnRelease, when true, commits dirty changes in an isolated
	// worktree before it is merged or torn down; the commit message is a
	// fixed default since spec §6 does not make the message configurable.
	AutoCommitOnRelease bool `yaml:"autoCommitOnRelease,omitempty" json:"autoCommitOnRelease,omitempty"`

	// PreserveBranches is recognized per spec §6 but has no effect today:
	// worktree.Coordinator only exposes worktree *directory* deletion
	// (DeleteWorktreeOnRelease), not a separate git-branch-deletion
	// operation, so there is nothing yet for this flag to suppress.
	PreserveBranches bool `yaml:"preserveBranches,omitempty" json:"preserveBranches,omitempty"`

	DeleteWorktreeOnRelease bool `yaml:"deleteWorktreeOnRelease,omitempty" json:"deleteWorktreeOnRelease,omitempty"`
}

const defaultAutoCommitMessage = "auto-commit: session end"

// CoordinatorConfig converts WorktreesConfig into worktree.Config (minus
// the Executor/Logger, which the caller supplies).
func (w WorktreesConfig) CoordinatorConfig() worktree.Config {
	return worktree.Config{
		Mode:         worktree.Mode(w.IsolationMode),
		BranchPrefix: w.BranchPrefix,
	}
}

// Release converts WorktreesConfig into the worktree.ReleaseOptions applied
// by default when a session ends.
func (w WorktreesConfig) Release() worktree.ReleaseOptions {
	opts := worktree.ReleaseOptions{DeleteWorktreeOnRelease: w.DeleteWorktreeOnRelease}
	if w.AutoCommitOnRelease {
		opts.AutoCommitMessage = defaultAutoCommitMessage
	}
	return opts
}

// EmbeddingsConfig toggles and configures embedding generation. Only
// Enabled has a direct consumer today (eventstore.Config.EmbeddingsEnabled
// selects between a real and a no-op vector index); ModelID, Dimensions,
// and CacheDir are recognized and validated here for the embedding
// generator that runs upstream of the event store (not yet part of this
// repo's wired scope) to consume.
type EmbeddingsConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ModelID    string `yaml:"modelId,omitempty" json:"modelId,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	CacheDir   string `yaml:"cacheDir,omitempty" json:"cacheDir,omitempty"`
}

// OAuthConfig governs provider.OAuthCredential token refresh.
type OAuthConfig struct {
	TokenExpiryBufferSeconds int `yaml:"tokenExpiryBufferSeconds,omitempty" json:"tokenExpiryBufferSeconds,omitempty"`
}

// Buffer converts TokenExpiryBufferSeconds to the time.Duration
// OAuthCredential.EnsureFresh expects.
func (o OAuthConfig) Buffer() time.Duration {
	return time.Duration(o.TokenExpiryBufferSeconds) * time.Second
}

// Default returns the recognized options at their built-in defaults,
// mirroring provider.DefaultRetryPolicy, backoff.DefaultPolicy,
// hookengine.DefaultTimeout, and provider.DefaultRefreshBuffer.
func Default() *Config {
	d := backoff.DefaultPolicy()
	return &Config{
		Version:   CurrentVersion,
		Model:     "claude-3-5-sonnet-latest",
		MaxTokens: 4096,
		Retry: RetryConfig{
			MaxRetries:   3,
			BaseDelayMs:  d.InitialMs,
			MaxDelayMs:   d.MaxMs,
			JitterFactor: d.Jitter,
		},
		Hooks: HooksConfig{DefaultTimeoutMs: 60_000},
		Worktrees: WorktreesConfig{
			IsolationMode:           string(worktree.ModeLazy),
			BranchPrefix:            "session/",
			DeleteWorktreeOnRelease: false,
		},
		Embeddings: EmbeddingsConfig{Enabled: false},
		OAuth:      OAuthConfig{TokenExpiryBufferSeconds: int(provider.DefaultRefreshBuffer / time.Second)},
	}
}

// Load reads path (resolving $include directives and expanding environment
// variables per loader.go), decodes it over Default(), and validates its
// version. An empty path returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	decoded, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	merge(cfg, decoded)

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays every non-zero field of decoded onto cfg. Config is small
// and flat enough that an explicit field-by-field merge is clearer than a
// reflection-based one.
func merge(cfg, decoded *Config) {
	if decoded.Version != 0 {
		cfg.Version = decoded.Version
	}
	if decoded.Model != "" {
		cfg.Model = decoded.Model
	}
	if decoded.MaxTokens != 0 {
		cfg.MaxTokens = decoded.MaxTokens
	}
	if decoded.Retry.MaxRetries != 0 {
		cfg.Retry.MaxRetries = decoded.Retry.MaxRetries
	}
	if decoded.Retry.BaseDelayMs != 0 {
		cfg.Retry.BaseDelayMs = decoded.Retry.BaseDelayMs
	}
	if decoded.Retry.MaxDelayMs != 0 {
		cfg.Retry.MaxDelayMs = decoded.Retry.MaxDelayMs
	}
	if decoded.Retry.JitterFactor != 0 {
		cfg.Retry.JitterFactor = decoded.Retry.JitterFactor
	}
	if decoded.Hooks.DefaultTimeoutMs != 0 {
		cfg.Hooks.DefaultTimeoutMs = decoded.Hooks.DefaultTimeoutMs
	}
	if decoded.Worktrees.IsolationMode != "" {
		cfg.Worktrees.IsolationMode = decoded.Worktrees.IsolationMode
	}
	if decoded.Worktrees.BranchPrefix != "" {
		cfg.Worktrees.BranchPrefix = decoded.Worktrees.BranchPrefix
	}
	cfg.Worktrees.AutoCommitOnRelease = decoded.Worktrees.AutoCommitOnRelease
	cfg.Worktrees.PreserveBranches = decoded.Worktrees.PreserveBranches
	cfg.Worktrees.DeleteWorktreeOnRelease = decoded.Worktrees.DeleteWorktreeOnRelease
	cfg.Embeddings.Enabled = decoded.Embeddings.Enabled
	if decoded.Embeddings.ModelID != "" {
		cfg.Embeddings.ModelID = decoded.Embeddings.ModelID
	}
	if decoded.Embeddings.Dimensions != 0 {
		cfg.Embeddings.Dimensions = decoded.Embeddings.Dimensions
	}
	if decoded.Embeddings.CacheDir != "" {
		cfg.Embeddings.CacheDir = decoded.Embeddings.CacheDir
	}
	if decoded.OAuth.TokenExpiryBufferSeconds != 0 {
		cfg.OAuth.TokenExpiryBufferSeconds = decoded.OAuth.TokenExpiryBufferSeconds
	}
}
