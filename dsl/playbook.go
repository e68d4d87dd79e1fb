// Package dsl defines the playbook document model the orchestrator executes:
// a YAML DAG of named steps with routing (next), event rules (case),
// iteration (loop), and retry policies. Parsing is strict and legacy key
// aliases are normalized at load time, so the engine only ever sees the
// canonical form.
package dsl

import "fmt"

// EntryStep is the required name of a playbook's first step.
const EntryStep = "start"

// EndStep is the conventional terminal sink. Routing to "end" is always
// legal; when the playbook does not define it, the engine treats it as an
// implicit control step that completes the branch.
const EndStep = "end"

// Playbook is a parsed, normalized playbook document.
type Playbook struct {
	Name     string         `yaml:"name,omitempty"`
	Path     string         `yaml:"path,omitempty"`
	Version  string         `yaml:"version,omitempty"`
	Workload map[string]any `yaml:"workload,omitempty"`
	Steps    []*Step        `yaml:"steps"`

	index map[string]*Step
}

// Step returns the named step, or nil.
func (p *Playbook) Step(name string) *Step {
	if p.index == nil {
		p.reindex()
	}
	return p.index[name]
}

// HasStep reports whether the playbook defines the named step.
func (p *Playbook) HasStep(name string) bool { return p.Step(name) != nil }

func (p *Playbook) reindex() {
	p.index = make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		p.index[s.Name] = s
	}
}

// Step is one node of the playbook DAG.
type Step struct {
	Name string `yaml:"step"`
	Desc string `yaml:"desc,omitempty"`

	// When gates dispatch: rendered with the step's call buffer in scope,
	// a falsy result parks the step until a later payload re-satisfies it.
	When string `yaml:"when,omitempty"`

	// Bind hoists rendered assignments into execution vars before the body
	// runs. Assignments render against the pre-bind scope; they cannot see
	// each other.
	Bind map[string]any `yaml:"bind,omitempty"`

	Loop  *LoopSpec  `yaml:"loop,omitempty"`
	Tool  *ToolSpec  `yaml:"tool,omitempty"`
	Next  []NextItem `yaml:"next,omitempty"`
	Case  []CaseRule `yaml:"case,omitempty"`
	Retry *RetrySpec `yaml:"retry,omitempty"`

	// OnError decides escalation when the step goes dead: "fail" (default)
	// fails the execution, "continue" completes the step with the error as
	// its result and keeps routing.
	OnError string `yaml:"on_error,omitempty"`
}

// IsControl reports whether the step has no executable body and therefore
// completes inline on the server (routing-only steps such as "start").
func (s *Step) IsControl() bool { return s.Tool == nil && s.Loop == nil }

// ContinueOnError reports whether a dead step should keep the branch alive.
func (s *Step) ContinueOnError() bool { return s.OnError == "continue" }

// ToolSpec names the executor kind and its configuration. Spec contents are
// opaque to the engine apart from template rendering; the worker's registry
// decides executability. Timeout is per-attempt, in seconds.
type ToolSpec struct {
	Kind    string         `yaml:"kind"`
	Spec    map[string]any `yaml:"spec,omitempty"`
	Timeout float64        `yaml:"timeout,omitempty"`
}

// NextItem is one entry of a step's routing array: an edge
// ({step, when?, args?}), a fan ({when, then: [...]}) or an else edge
// ({step} with no when).
type NextItem struct {
	Step string         `yaml:"step,omitempty"`
	When string         `yaml:"when,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`
	Then []Target       `yaml:"then,omitempty"`
}

// IsFan reports whether the item fans out to multiple targets.
func (n NextItem) IsFan() bool { return len(n.Then) > 0 }

// IsElse reports whether the item is an unconditional edge.
func (n NextItem) IsElse() bool { return n.Step != "" && n.When == "" }

// Target is one destination of a fan or case rule.
type Target struct {
	Step string         `yaml:"step"`
	Args map[string]any `yaml:"args,omitempty"`
}

// CaseRule is an event-reaction rule: when the step's action completes, all
// rules whose when is truthy dispatch their targets. Unlike next, matching
// is not exclusive.
type CaseRule struct {
	When string   `yaml:"when"`
	Then []Target `yaml:"then"`
}

// LoopSpec expands a collection into child jobs. Collection may be a
// template string, a literal list, or a scalar (treated as a single-item
// list). Mappings are rejected at validation.
type LoopSpec struct {
	Collection  any
	Element     string
	Mode        string // "sequential" (default) or "async"
	Concurrency int    // async in-flight cap; 0 = unbounded
	Where       string
	Limit       int
	OrderBy     string
	Chunk       int
	Enumerate   bool
}

// RetrySpec wraps the two independent retry mechanisms.
type RetrySpec struct {
	OnError   *OnErrorPolicy   `yaml:"on_error,omitempty"`
	OnSuccess *OnSuccessPolicy `yaml:"on_success,omitempty"`
}

// Backoff strategies for OnErrorPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// OnErrorPolicy retries failed attempts. Delay for attempt n (1-based):
// constant = initial; linear = initial*n; exponential =
// initial*multiplier^(n-1); always clamped to [0, max_delay] and then
// spread by ±jitter. Times are seconds.
type OnErrorPolicy struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	Backoff      string  `yaml:"backoff,omitempty"`
	InitialDelay float64 `yaml:"initial_delay,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty"`
	MaxDelay     float64 `yaml:"max_delay,omitempty"`
	Jitter       float64 `yaml:"jitter,omitempty"`
	When         string  `yaml:"when,omitempty"`
}

// Collect strategies for OnSuccessPolicy.
const (
	CollectAppend  = "append"
	CollectReplace = "replace"
	CollectCollect = "collect"
)

// OnSuccessPolicy continues a succeeding step while a condition holds
// (pagination, polling). NextCall renders in the result scope and
// deep-merges into the tool spec for the continuation.
type OnSuccessPolicy struct {
	While       string         `yaml:"while"`
	MaxAttempts int            `yaml:"max_attempts,omitempty"`
	NextCall    map[string]any `yaml:"next_call,omitempty"`
	Collect     string         `yaml:"collect,omitempty"`
	MergePath   string         `yaml:"merge_path,omitempty"`
}

// DefaultOnSuccessAttempts bounds pagination sequences whose policy does
// not set max_attempts.
const DefaultOnSuccessAttempts = 100

func stepErr(step, format string, args ...any) error {
	return fmt.Errorf("step %q: %s", step, fmt.Sprintf(format, args...))
}
