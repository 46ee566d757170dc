// Package config defines the immutable Config value consumed by the core.
// Loading it from YAML, flags, or the environment is an external
// collaborator's job — this package only defines the shape and defaults.
package config

import (
	agentcontext "github.com/kestrelrun/agentcore/internal/context"
)

// Config enumerates every option the core consumes, per spec.md §6.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	MaxRetries       int     `yaml:"max_retries"`
	RetryBaseSeconds float64 `yaml:"retry_base_seconds"`

	MaxConcurrent  int `yaml:"max_concurrent"`
	LaneWarnWaitMs int `yaml:"lane_warn_wait_ms"`

	SubagentMaxDepth           int  `yaml:"subagent_max_depth"`
	SubagentMaxWorkers         int  `yaml:"subagent_max_workers"`
	SubagentRunTimeoutSeconds  int  `yaml:"subagent_run_timeout_seconds"`
	SubagentAnnounceCompletion bool `yaml:"subagent_announce_completion"`

	ContextMode          agentcontext.Mode `yaml:"context_mode"`
	MaxChars             int               `yaml:"max_chars"`
	MaxTokens            int               `yaml:"max_tokens"`
	CompactTriggerChars  int               `yaml:"compact_trigger_chars"`
	CompactTriggerTokens int               `yaml:"compact_trigger_tokens"`
	KeepLastMessages     int               `yaml:"keep_last_messages"`
	CompactKeepTail      int               `yaml:"compact_keep_tail"`

	EnableOrchestration bool `yaml:"enable_orchestration"`

	Stream bool `yaml:"stream"`
}

// Default returns sensible defaults, mirroring the teacher's
// DefaultLoopConfig/DefaultSubagentRegistryConfig pattern: a zero-value
// caller-built Config is never used directly, it is always passed through
// Default()+override or Sanitize().
func Default() Config {
	return Config{
		MaxRetries:                 3,
		RetryBaseSeconds:           1,
		MaxConcurrent:              4,
		LaneWarnWaitMs:             2000,
		SubagentMaxDepth:           4,
		SubagentMaxWorkers:         4,
		SubagentRunTimeoutSeconds:  600,
		SubagentAnnounceCompletion: true,
		ContextMode:                agentcontext.ModeTokens,
		MaxTokens:                  8000,
		CompactTriggerTokens:       12000,
		KeepLastMessages:           4,
		CompactKeepTail:            4,
	}
}

// Sanitize fills zero/negative retry, concurrency, lane-wait, subagent
// depth/worker, MaxTokens, KeepLastMessages and CompactKeepTail fields, and
// an empty ContextMode, with Default()'s values, the way the teacher's loop
// and subagent registry constructors sanitize their inputs. MaxChars, the
// compact triggers, SubagentRunTimeoutSeconds and the boolean options are
// left as given.
func Sanitize(cfg Config) Config {
	d := Default()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBaseSeconds <= 0 {
		cfg.RetryBaseSeconds = d.RetryBaseSeconds
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.LaneWarnWaitMs <= 0 {
		cfg.LaneWarnWaitMs = d.LaneWarnWaitMs
	}
	if cfg.SubagentMaxDepth <= 0 {
		cfg.SubagentMaxDepth = d.SubagentMaxDepth
	}
	if cfg.SubagentMaxWorkers <= 0 {
		cfg.SubagentMaxWorkers = d.SubagentMaxWorkers
	}
	if cfg.ContextMode == "" {
		cfg.ContextMode = d.ContextMode
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.KeepLastMessages <= 0 {
		cfg.KeepLastMessages = d.KeepLastMessages
	}
	if cfg.CompactKeepTail <= 0 {
		cfg.CompactKeepTail = d.CompactKeepTail
	}
	return cfg
}
