package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-klite"
	"gopkg.in/yaml.v3"
)

type (
	// Scenario describes a set of kernel objects, and threads which operate
	// on them, loaded from YAML.
	Scenario struct {
		Arena    int              `yaml:"arena"`
		Tick     time.Duration    `yaml:"tick"`
		Duration time.Duration    `yaml:"duration"`
		LogLevel string           `yaml:"log_level"`
		Sems     map[string]int   `yaml:"sems"`
		Mutexes  []string         `yaml:"mutexes"`
		Queues   map[string]Queue `yaml:"queues"`
		Threads  []ThreadSpec     `yaml:"threads"`
	}

	Queue struct {
		Size  int `yaml:"size"`
		Depth int `yaml:"depth"`
	}

	ThreadSpec struct {
		Name     string `yaml:"name"`
		Priority int    `yaml:"priority"`
		Stack    int    `yaml:"stack"`
		// Repeat is the number of times to run Steps, zero meaning forever.
		Repeat int    `yaml:"repeat"`
		Steps  []Step `yaml:"steps"`
	}

	// Step is a single kernel call. Exactly one field must be set.
	Step struct {
		Sleep  klite.Tick `yaml:"sleep,omitempty"`
		Yield  bool       `yaml:"yield,omitempty"`
		Post   string     `yaml:"post,omitempty"`
		Wait   string     `yaml:"wait,omitempty"`
		Lock   string     `yaml:"lock,omitempty"`
		Unlock string     `yaml:"unlock,omitempty"`
		Send   string     `yaml:"send,omitempty"`
		Recv   string     `yaml:"recv,omitempty"`
		Alloc  int        `yaml:"alloc,omitempty"`
		Free   bool       `yaml:"free,omitempty"`
	}
)

const defaultArena = 64 << 10

// LoadScenario reads and validates the scenario at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario, applying defaults.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if s.Arena == 0 {
		s.Arena = defaultArena
	}
	if s.Tick == 0 {
		s.Tick = time.Millisecond
	}
	if s.Duration == 0 {
		s.Duration = time.Second
	}
	if s.LogLevel == `` {
		s.LogLevel = `info`
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every reference resolves, and every step is well formed.
func (x *Scenario) Validate() error {
	if x.Arena < 0 || x.Tick < 0 || x.Duration < 0 {
		return errors.New(`scenario: arena, tick and duration must not be negative`)
	}
	if _, err := parseLevel(x.LogLevel); err != nil {
		return err
	}
	if len(x.Threads) == 0 {
		return errors.New(`scenario: no threads`)
	}
	mutexes := make(map[string]bool, len(x.Mutexes))
	for _, name := range x.Mutexes {
		if mutexes[name] {
			return fmt.Errorf("scenario: duplicate mutex %q", name)
		}
		mutexes[name] = true
	}
	for name, q := range x.Queues {
		if q.Size <= 0 || q.Depth <= 0 {
			return fmt.Errorf("scenario: queue %q: size and depth must be positive", name)
		}
	}
	for i, t := range x.Threads {
		if t.Priority < 0 || t.Priority > int(klite.PriorityHighest) {
			return fmt.Errorf("scenario: thread %d: priority out of range", i)
		}
		if t.Repeat < 0 || t.Stack < 0 {
			return fmt.Errorf("scenario: thread %d: repeat and stack must not be negative", i)
		}
		if len(t.Steps) == 0 {
			return fmt.Errorf("scenario: thread %d: no steps", i)
		}
		for j, step := range t.Steps {
			if err := step.validate(x, mutexes); err != nil {
				return fmt.Errorf("scenario: thread %d: step %d: %w", i, j, err)
			}
		}
	}
	return nil
}

func (x Step) validate(s *Scenario, mutexes map[string]bool) error {
	var n int
	count := func(set bool) {
		if set {
			n++
		}
	}
	count(x.Sleep != 0)
	count(x.Yield)
	count(x.Post != ``)
	count(x.Wait != ``)
	count(x.Lock != ``)
	count(x.Unlock != ``)
	count(x.Send != ``)
	count(x.Recv != ``)
	count(x.Alloc != 0)
	count(x.Free)
	if n != 1 {
		return errors.New(`exactly one action must be set`)
	}
	for _, name := range []string{x.Post, x.Wait} {
		if _, ok := s.Sems[name]; name != `` && !ok {
			return fmt.Errorf("unknown sem %q", name)
		}
	}
	for _, name := range []string{x.Lock, x.Unlock} {
		if name != `` && !mutexes[name] {
			return fmt.Errorf("unknown mutex %q", name)
		}
	}
	for _, name := range []string{x.Send, x.Recv} {
		if _, ok := s.Queues[name]; name != `` && !ok {
			return fmt.Errorf("unknown queue %q", name)
		}
	}
	if x.Alloc < 0 {
		return errors.New(`negative alloc`)
	}
	return nil
}
