package dsl

import "fmt"

var validBackoffs = map[string]bool{
	BackoffConstant:    true,
	BackoffLinear:      true,
	BackoffExponential: true,
}

var validCollects = map[string]bool{
	CollectAppend:  true,
	CollectReplace: true,
	CollectCollect: true,
}

// Validate checks structural rules: unique step names, a start step,
// resolvable routing targets, well-formed loop and retry blocks. Every
// error names the offending step.
func (p *Playbook) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook has no steps")
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("playbook has a step with no name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step %q", s.Name)
		}
		seen[s.Name] = true
	}
	if !seen[EntryStep] {
		return fmt.Errorf("playbook has no %q step", EntryStep)
	}

	for _, s := range p.Steps {
		if err := p.validateStep(s, seen); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playbook) validateStep(s *Step, steps map[string]bool) error {
	target := func(name, context string) error {
		if name == "" {
			return stepErr(s.Name, "%s target has no step", context)
		}
		if name == EndStep {
			return nil // implicit sink
		}
		if !steps[name] {
			return stepErr(s.Name, "%s targets unknown step %q", context, name)
		}
		return nil
	}

	for i, n := range s.Next {
		switch {
		case n.IsFan():
			if n.Step != "" {
				return stepErr(s.Name, "next[%d] mixes step and then", i)
			}
			if n.When == "" {
				return stepErr(s.Name, "next[%d] fan requires when", i)
			}
			for _, t := range n.Then {
				if err := target(t.Step, fmt.Sprintf("next[%d] fan", i)); err != nil {
					return err
				}
			}
		case n.Step != "":
			if err := target(n.Step, fmt.Sprintf("next[%d]", i)); err != nil {
				return err
			}
		default:
			return stepErr(s.Name, "next[%d] has neither step nor then", i)
		}
	}

	for i, c := range s.Case {
		if c.When == "" {
			return stepErr(s.Name, "case[%d] requires when", i)
		}
		if len(c.Then) == 0 {
			return stepErr(s.Name, "case[%d] requires then targets", i)
		}
		for _, t := range c.Then {
			if err := target(t.Step, fmt.Sprintf("case[%d]", i)); err != nil {
				return err
			}
		}
	}

	if s.Loop != nil {
		if err := p.validateLoop(s); err != nil {
			return err
		}
	}
	if s.Retry != nil {
		if err := validateRetry(s); err != nil {
			return err
		}
	}
	if s.OnError != "" && s.OnError != "fail" && s.OnError != "continue" {
		return stepErr(s.Name, "on_error must be fail or continue, got %q", s.OnError)
	}
	return nil
}

func (p *Playbook) validateLoop(s *Step) error {
	l := s.Loop
	if l.Element == "" {
		return stepErr(s.Name, "loop requires element (or legacy iterator)")
	}
	if l.Collection == nil {
		return stepErr(s.Name, "loop requires collection (or legacy in)")
	}
	// Mapping iteration is disallowed; catch literal mappings here. When a
	// template hides the shape, the engine rejects at render time.
	if _, isMap := l.Collection.(map[string]any); isMap {
		return stepErr(s.Name, "loop collection is a mapping; iterate over entries explicitly (e.g. keys or to_entries) instead")
	}
	switch l.Mode {
	case "sequential", "async":
	default:
		return stepErr(s.Name, "loop mode must be sequential or async, got %q", l.Mode)
	}
	if l.Concurrency < 0 {
		return stepErr(s.Name, "loop concurrency must be >= 0")
	}
	if l.Chunk < 0 {
		return stepErr(s.Name, "loop chunk must be >= 0")
	}
	if l.Limit < 0 {
		return stepErr(s.Name, "loop limit must be >= 0")
	}
	if s.Tool == nil {
		return stepErr(s.Name, "loop requires a tool to execute per element")
	}
	return nil
}

func validateRetry(s *Step) error {
	if oe := s.Retry.OnError; oe != nil {
		if oe.MaxAttempts < 1 {
			return stepErr(s.Name, "retry.on_error.max_attempts must be >= 1")
		}
		if !validBackoffs[oe.Backoff] {
			return stepErr(s.Name, "retry.on_error.backoff must be constant, linear, or exponential")
		}
		if oe.InitialDelay < 0 || oe.MaxDelay < 0 {
			return stepErr(s.Name, "retry.on_error delays must be >= 0")
		}
		if oe.Jitter < 0 || oe.Jitter > 1 {
			return stepErr(s.Name, "retry.on_error.jitter must be within [0, 1]")
		}
		if oe.Multiplier <= 0 {
			return stepErr(s.Name, "retry.on_error.multiplier must be > 0")
		}
	}
	if os := s.Retry.OnSuccess; os != nil {
		if os.While == "" {
			return stepErr(s.Name, "retry.on_success requires while")
		}
		if os.MaxAttempts < 1 {
			return stepErr(s.Name, "retry.on_success.max_attempts must be >= 1")
		}
		if !validCollects[os.Collect] {
			return stepErr(s.Name, "retry.on_success.collect must be append, replace, or collect")
		}
		if os.MergePath != "" && os.Collect != CollectAppend {
			return stepErr(s.Name, "retry.on_success.merge_path only applies to collect: append")
		}
	}
	return nil
}
