package dsl

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes, normalizes, and validates a playbook document. Unknown
// top-level and step keys are errors (strict decoding), so typos fail at
// load time rather than silently changing semantics.
func Parse(data []byte) (*Playbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	pb.normalize()
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// ParseFile reads and parses a playbook from disk.
func ParseFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	pb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pb, nil
}

// normalize fills defaults after decoding: loop mode, on_success bounds,
// collect strategy.
func (p *Playbook) normalize() {
	for _, s := range p.Steps {
		if s.Loop != nil {
			if s.Loop.Mode == "" {
				s.Loop.Mode = "sequential"
			}
		}
		if s.Retry != nil && s.Retry.OnSuccess != nil {
			os := s.Retry.OnSuccess
			if os.MaxAttempts == 0 {
				os.MaxAttempts = DefaultOnSuccessAttempts
			}
			if os.Collect == "" {
				os.Collect = CollectReplace
			}
		}
		if s.Retry != nil && s.Retry.OnError != nil {
			oe := s.Retry.OnError
			if oe.Backoff == "" {
				oe.Backoff = BackoffConstant
			}
			if oe.Multiplier == 0 {
				oe.Multiplier = 2
			}
		}
	}
	p.reindex()
}

// loopYAML is the raw decode target for LoopSpec. It accepts the legacy
// in/iterator names alongside the canonical collection/element and turns
// the deprecated until key into an explicit error instead of guessing at
// its semantics.
type loopYAML struct {
	In          any       `yaml:"in"`
	Collection  any       `yaml:"collection"`
	Iterator    string    `yaml:"iterator"`
	Element     string    `yaml:"element"`
	Mode        string    `yaml:"mode"`
	Concurrency int       `yaml:"concurrency"`
	Where       string    `yaml:"where"`
	Limit       int       `yaml:"limit"`
	OrderBy     string    `yaml:"order_by"`
	Chunk       int       `yaml:"chunk"`
	Enumerate   bool      `yaml:"enumerate"`
	Until       yaml.Node `yaml:"until"`
}

// UnmarshalYAML implements yaml.Unmarshaler for LoopSpec.
func (l *LoopSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw loopYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if !raw.Until.IsZero() {
		return fmt.Errorf("line %d: loop key \"until\" is not supported: it is not a filter; use \"where\" to filter or restructure the loop for early termination", raw.Until.Line)
	}

	l.Collection = raw.Collection
	if l.Collection == nil {
		l.Collection = raw.In
	}
	l.Element = raw.Element
	if l.Element == "" {
		l.Element = raw.Iterator
	}
	l.Mode = raw.Mode
	l.Concurrency = raw.Concurrency
	l.Where = raw.Where
	l.Limit = raw.Limit
	l.OrderBy = raw.OrderBy
	l.Chunk = raw.Chunk
	l.Enumerate = raw.Enumerate
	return nil
}

// MarshalYAML writes the canonical form.
func (l LoopSpec) MarshalYAML() (any, error) {
	out := map[string]any{
		"collection": l.Collection,
		"element":    l.Element,
	}
	if l.Mode != "" && l.Mode != "sequential" {
		out["mode"] = l.Mode
	}
	if l.Concurrency > 0 {
		out["concurrency"] = l.Concurrency
	}
	if l.Where != "" {
		out["where"] = l.Where
	}
	if l.Limit > 0 {
		out["limit"] = l.Limit
	}
	if l.OrderBy != "" {
		out["order_by"] = l.OrderBy
	}
	if l.Chunk > 0 {
		out["chunk"] = l.Chunk
	}
	if l.Enumerate {
		out["enumerate"] = true
	}
	return out, nil
}
