// Package scriptagents implements the session loop's script agent on
// top of gollm: planning an initial modeling script from a prompt,
// correcting failed scripts from executor error details, and proposing
// refinement edits from rendered images.
package scriptagents

import (
	"context"
	"fmt"

	"github.com/teilomillet/gollm"

	"github.com/martinemde/sceneloop/sessionloop"
)

// Agent produces Blender scripts via a gollm-backed LLM. It implements
// sessionloop.ScriptAgent.
type Agent struct {
	provider string
	llm      gollm.LLM
	model    string
	policy   RetryPolicy
}

// Option configures an Agent.
type Option func(*agentConfig)

type agentConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	policy      RetryPolicy
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the agent.
func WithAPIKey(key string) Option {
	return func(c *agentConfig) {
		c.apiKey = key
	}
}

// WithModel sets the model for the agent.
func WithModel(model string) Option {
	return func(c *agentConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the max tokens per generation.
func WithMaxTokens(n int) Option {
	return func(c *agentConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *agentConfig) {
		c.temperature = t
	}
}

// WithRetryPolicy overrides the default transient-error retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *agentConfig) {
		c.policy = p
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) Option {
	return func(c *agentConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// New creates an Agent for the given provider. If apiKey is empty,
// gollm reads it from environment variables.
func New(provider string, apiKey string, opts ...Option) (*Agent, error) {
	cfg := &agentConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.2,
		policy:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // We handle retries ourselves.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &Agent{
		provider: provider,
		llm:      llm,
		model:    model,
		policy:   cfg.policy,
	}, nil
}

// NewFromLLM wraps an existing gollm.LLM instance.
func NewFromLLM(provider string, llm gollm.LLM) *Agent {
	return &Agent{
		provider: provider,
		llm:      llm,
		policy:   DefaultRetryPolicy(),
	}
}

// Name returns the provider identifier.
func (a *Agent) Name() string {
	return a.provider
}

// Plan produces the first modeling script for a session.
func (a *Agent) Plan(ctx context.Context, prompt string, history []sessionloop.Attempt) (string, error) {
	text, err := a.generate(ctx, plannerSystemPrompt, buildPlanPrompt(prompt, history))
	if err != nil {
		return "", err
	}
	return ExtractScript(text), nil
}

// Correct produces a replacement for a failed script. An empty result
// with a nil error means the agent declined: the failure is beyond
// repair from its point of view.
func (a *Agent) Correct(ctx context.Context, script, detail string, history []sessionloop.Attempt) (string, error) {
	text, err := a.generate(ctx, correctorSystemPrompt, buildCorrectPrompt(script, detail, history))
	if err != nil {
		return "", err
	}
	if IsDecline(text) {
		return "", nil
	}
	return ExtractScript(text), nil
}

// Critique reviews the current script with its rendered images and
// proposes an edit script. An empty result with a nil error means no
// further improvement.
func (a *Agent) Critique(ctx context.Context, script string, images []sessionloop.ImageUpload, history []sessionloop.Attempt) (string, error) {
	text, err := a.generate(ctx, criticSystemPrompt, buildCritiquePrompt(script, images, history))
	if err != nil {
		return "", err
	}
	if IsDecline(text) {
		return "", nil
	}
	return ExtractScript(text), nil
}

func (a *Agent) generate(ctx context.Context, system, user string) (string, error) {
	prompt := gollm.NewPrompt(user,
		gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral),
	)
	return Retry(ctx, a.policy, func(ctx context.Context) (string, error) {
		return a.llm.Generate(ctx, prompt)
	})
}
