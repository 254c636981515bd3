// Package cfg declares the service configuration, bound to flags and the
// REMEDY_ environment prefix by main.
package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClusterEndpoint string
	ClusterToken    string

	ClaudeAPIKey string
	ClaudeModel  string

	OpenAIAPIKey   string
	OpenAIEndpoint string
	OpenAIModel    string

	ProviderTimeoutSeconds  int
	QuorumSize              int
	MinConfidence           float64
	PartialEvidencePenalty  float64
	RemediationRounds       int
	BreakerFailureThreshold int
	BreakerCooldownSeconds  int

	DatabaseURL     string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")
	fs.StringVar(&c.ClusterEndpoint, "cluster-endpoint", "", "base URL of the cluster inspector API")
	fs.StringVar(&c.ClusterToken, "cluster-token", "", "bearer token for the cluster inspector API")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude reasoning provider (empty = provider disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI reasoning provider (empty = provider disabled)")
	fs.StringVar(&c.OpenAIEndpoint, "openai-endpoint", "https://api.openai.com", "base URL of the OpenAI-compatible API")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o", "OpenAI model to use")
	fs.IntVar(&c.ProviderTimeoutSeconds, "provider-timeout-seconds", 60, "per-provider reasoning call timeout (1..600)")
	fs.IntVar(&c.QuorumSize, "quorum-size", 2, "hypotheses that must agree on an action for a majority decision (>= 1)")
	fs.Float64Var(&c.MinConfidence, "min-confidence", 0.5, "minimum confidence for a fallback highest-confidence decision (0..1)")
	fs.Float64Var(&c.PartialEvidencePenalty, "partial-evidence-penalty", 0.7, "confidence multiplier applied to hypotheses built on partial evidence (0..1)")
	fs.IntVar(&c.RemediationRounds, "remediation-rounds", 3, "remediation rounds attempted before escalating (1..10)")
	fs.IntVar(&c.BreakerFailureThreshold, "breaker-failure-threshold", 3, "consecutive provider failures that open the circuit breaker (>= 1)")
	fs.IntVar(&c.BreakerCooldownSeconds, "breaker-cooldown-seconds", 60, "seconds a disabled provider waits before a half-open probe (1..3600)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for terminal reports")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The cluster inspector is the only way to observe and act
	if c.ClusterEndpoint == "" {
		errs = append(errs, errors.New("CLUSTER_ENDPOINT is required"))
	}

	// At least one reasoning provider must be configured
	if c.ClaudeAPIKey == "" && c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("at least one of CLAUDE_API_KEY or OPENAI_API_KEY is required"))
	}
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.OpenAIAPIKey != "" && (c.OpenAIModel == "" || c.OpenAIEndpoint == "") {
		errs = append(errs, errors.New("OPENAI_MODEL and OPENAI_ENDPOINT are required when OPENAI_API_KEY is set"))
	}

	if c.ProviderTimeoutSeconds <= 0 || c.ProviderTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid PROVIDER_TIMEOUT_SECONDS %d (must be 1..600)", c.ProviderTimeoutSeconds))
	}
	if c.QuorumSize < 1 {
		errs = append(errs, fmt.Errorf("invalid QUORUM_SIZE %d (must be >= 1)", c.QuorumSize))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid MIN_CONFIDENCE %g (must be 0..1)", c.MinConfidence))
	}
	if c.PartialEvidencePenalty <= 0 || c.PartialEvidencePenalty > 1 {
		errs = append(errs, fmt.Errorf("invalid PARTIAL_EVIDENCE_PENALTY %g (must be in (0..1])", c.PartialEvidencePenalty))
	}
	if c.RemediationRounds < 1 || c.RemediationRounds > 10 {
		errs = append(errs, fmt.Errorf("invalid REMEDIATION_ROUNDS %d (must be 1..10)", c.RemediationRounds))
	}
	if c.BreakerFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_FAILURE_THRESHOLD %d (must be >= 1)", c.BreakerFailureThreshold))
	}
	if c.BreakerCooldownSeconds < 1 || c.BreakerCooldownSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_COOLDOWN_SECONDS %d (must be 1..3600)", c.BreakerCooldownSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
