// Package agent runs one model-backed role: prompt, tool loop, structured
// output validation, and capture of everything the role said along the way.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/interceptor"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/tools"
)

// Loop bounds.
const (
	// MaxAgentIters caps the tool loop. The final iteration withholds tools
	// so the model must produce a completion.
	MaxAgentIters = 15
	// MaxFix caps format-repair retries for structured output.
	MaxFix = 3

	defaultToolTimeout = 2 * time.Minute
)

// Config declares one agent.
type Config struct {
	// Name appears in error messages shown to the user.
	Name string
	// AgentType tags every captured message.
	AgentType string
	Model     string
	MaxTokens int
	// Tools is optional; nil means a pure completion agent.
	Tools *tools.Registry
	// OutputSchema, when set, makes the agent validate the final completion
	// as JSON against it, with the fixing loop covering malformations.
	OutputSchema json.RawMessage
	// MaxIters overrides MaxAgentIters when positive.
	MaxIters int
	// ToolTimeout bounds each tool invocation.
	ToolTimeout time.Duration
}

// Agent executes one role against a model client. Safe for concurrent Runs;
// per-run state lives in the interceptor pair created per call.
type Agent struct {
	cfg    Config
	client llm.Client
	schema *jsonschema.Schema
	logger *zap.Logger
}

// Result is one finished agent execution. Captured holds every message the
// run produced in order (completions, tool results, and the error message on
// failure); Final is the last of them.
type Result struct {
	Final    messages.Message
	Captured []messages.Message
	Usage    messages.Usage
	// Structured is the validated JSON when OutputSchema is set. ParseErr is
	// set when validation still failed after the fixing loop; callers decide
	// the fallback.
	Structured json.RawMessage
	ParseErr   error
	// Err is the failure that produced an error Final, nil on success.
	Err error
}

// New builds an agent, compiling the output schema if declared.
func New(client llm.Client, cfg Config, logger *zap.Logger) (*Agent, error) {
	if cfg.MaxIters <= 0 {
		cfg.MaxIters = MaxAgentIters
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	a := &Agent{cfg: cfg, client: client, logger: logger}
	if len(cfg.OutputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(cfg.OutputSchema, &doc); err != nil {
			return nil, fmt.Errorf("agent %s: unmarshal output schema: %w", cfg.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("agent %s: add schema resource: %w", cfg.Name, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("agent %s: compile output schema: %w", cfg.Name, err)
		}
		a.schema = schema
	}
	return a, nil
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.cfg.Name }

// AgentType returns the attribution tag.
func (a *Agent) AgentType() string { return a.cfg.AgentType }

// Run executes the agent over the rendered system prompt and history. A
// failing run never returns an error to the engine; it yields an error
// message tagged with the agent's type, and routers decide what happens next.
func (a *Agent) Run(ctx context.Context, system string, history []messages.Message) Result {
	pair := interceptor.NewPair(a.client, a.cfg.AgentType)

	msgs := make([]messages.Message, len(history))
	copy(msgs, history)

	var specs []llm.ToolSpec
	if a.cfg.Tools != nil {
		specs = a.cfg.Tools.Specs()
	}

	var final messages.Message
	var produced bool
	for iter := 0; iter < a.cfg.MaxIters; iter++ {
		req := llm.Request{
			Model:     a.cfg.Model,
			System:    system,
			Messages:  msgs,
			Tools:     specs,
			MaxTokens: a.cfg.MaxTokens,
		}
		if iter == a.cfg.MaxIters-1 {
			// Early-stop: force a completion instead of another tool round.
			req.Tools = nil
		}
		if a.schema != nil && len(specs) == 0 {
			req.JSONMode = true
		}

		resp, err := pair.Primary.Chat(ctx, req)
		if err != nil {
			return a.failure(pair, err)
		}
		msgs = append(msgs, resp.Message)

		if !resp.Message.HasToolCalls() || a.cfg.Tools == nil {
			final = resp.Message
			produced = true
			break
		}

		results := a.cfg.Tools.DispatchParallel(ctx, resp.Message.ToolCalls, a.cfg.ToolTimeout, len(resp.Message.ToolCalls))
		for _, tm := range results {
			tm = tm.WithAgentType(a.cfg.AgentType)
			pair.Primary.Record(tm)
			msgs = append(msgs, tm)
		}
	}
	if !produced {
		return a.failure(pair, fmt.Errorf("no completion after %d iterations", a.cfg.MaxIters))
	}

	res := Result{Final: final}
	if a.schema != nil {
		res.Structured, res.ParseErr = a.fixLoop(ctx, pair, system, msgs, &res.Final)
	}
	res.Captured = pair.Drain()
	res.Usage = pair.Usage()
	return res
}

// fixLoop validates the final completion against the output schema, asking
// the model to repair its own formatting up to MaxFix times.
func (a *Agent) fixLoop(ctx context.Context, pair interceptor.Pair, system string, msgs []messages.Message, final *messages.Message) (json.RawMessage, error) {
	raw, err := a.validate(final.Content)
	for fix := 0; err != nil && fix < MaxFix; fix++ {
		a.log().Debug("Structured output invalid, asking model to fix",
			zap.String("agent", a.cfg.Name), zap.Int("attempt", fix+1), zap.Error(err))

		repair := messages.NewHuman(fmt.Sprintf(
			"Your previous response was not valid for the required JSON schema: %v\n"+
				"Respond again with only the corrected JSON object, no prose.", err))
		msgs = append(msgs, repair)

		resp, cerr := pair.Fixing.Chat(ctx, llm.Request{
			Model:     a.cfg.Model,
			System:    system,
			Messages:  msgs,
			MaxTokens: a.cfg.MaxTokens,
			JSONMode:  true,
		})
		if cerr != nil {
			return nil, fmt.Errorf("fixing call: %w", cerr)
		}
		msgs = append(msgs, resp.Message)
		*final = resp.Message
		raw, err = a.validate(resp.Message.Content)
	}
	return raw, err
}

// validate extracts the JSON body from a completion and checks it against the
// compiled schema.
func (a *Agent) validate(content string) (json.RawMessage, error) {
	body := ExtractJSON(content)
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (a *Agent) failure(pair interceptor.Pair, err error) Result {
	a.log().Warn("Agent run failed", zap.String("agent", a.cfg.Name), zap.Error(err))
	final := messages.NewAI(fmt.Sprintf("Error in %s: %v", a.cfg.Name, err)).
		WithAgentType(a.cfg.AgentType)
	pair.Primary.Record(final)
	return Result{
		Final:    final,
		Captured: pair.Drain(),
		Usage:    pair.Usage(),
		Err:      err,
	}
}

func (a *Agent) log() *zap.Logger {
	if a.logger != nil {
		return a.logger
	}
	return zap.NewNop()
}

// ExtractJSON strips markdown code fences and surrounding prose from a
// completion, returning the first balanced JSON object or array. Models fence
// JSON even when told not to.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
