package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"qroute/internal/agent"
	"qroute/pkg/qroute"
)

// runFile is the YAML form of a run request. The agent block is decoded on
// top of the default stack sized for the chosen scape.
type runFile struct {
	RunID       string    `yaml:"run_id"`
	Scape       string    `yaml:"scape"`
	Mode        string    `yaml:"mode"`
	ClockInputs int       `yaml:"clock_inputs"`
	Ticks       int       `yaml:"ticks"`
	Seed        int64     `yaml:"seed"`
	Inference   bool      `yaml:"inference"`
	Backend     string    `yaml:"backend"`
	Workers     int       `yaml:"workers"`
	SampleEvery int       `yaml:"sample_every"`
	Agent       yaml.Node `yaml:"agent"`
}

func loadRunFile(path string) (runFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runFile{}, err
	}
	var f runFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return runFile{}, err
	}
	return f, nil
}

func (f runFile) request() qroute.RunRequest {
	return qroute.RunRequest{
		RunID:       f.RunID,
		Scape:       f.Scape,
		Mode:        f.Mode,
		ClockInputs: f.ClockInputs,
		Ticks:       f.Ticks,
		Seed:        f.Seed,
		Inference:   f.Inference,
		Backend:     f.Backend,
		Workers:     f.Workers,
		SampleEvery: f.SampleEvery,
	}
}

// loadOrDefaultRunFile returns an empty run file when path is empty.
func loadOrDefaultRunFile(path string) (runFile, error) {
	if path == "" {
		return runFile{}, nil
	}
	f, err := loadRunFile(path)
	if err != nil {
		return runFile{}, fmt.Errorf("load config: %w", err)
	}
	return f, nil
}

// resolveAgentConfig overlays node onto the default stack for req's scape.
// Each entry of a layers sequence starts from the default layer.
func resolveAgentConfig(req qroute.RunRequest, node *yaml.Node) (agent.Config, error) {
	cfg, err := qroute.DefaultAgentConfig(req.Scape, req.Mode, req.ClockInputs)
	if err != nil {
		return agent.Config{}, err
	}
	if node == nil || node.Kind == 0 {
		return cfg, nil
	}
	if node.Kind != yaml.MappingNode {
		return agent.Config{}, fmt.Errorf("agent config must be a mapping, line %d", node.Line)
	}
	if err := node.Decode(&cfg); err != nil {
		return agent.Config{}, fmt.Errorf("decode agent config: %w", err)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "layers" {
			continue
		}
		seq := node.Content[i+1]
		if seq.Kind != yaml.SequenceNode {
			return agent.Config{}, fmt.Errorf("agent layers must be a sequence, line %d", seq.Line)
		}
		cfg.Layers = make([]agent.LayerConfig, len(seq.Content))
		for j, item := range seq.Content {
			layer := agent.DefaultLayerConfig()
			if err := item.Decode(&layer); err != nil {
				return agent.Config{}, fmt.Errorf("decode layer %d: %w", j, err)
			}
			cfg.Layers[j] = layer
		}
	}
	return cfg, nil
}

func overrideFromFlags(req *qroute.RunRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			req.RunID = v.(string)
		case "scape":
			req.Scape = v.(string)
		case "mode":
			req.Mode = v.(string)
		case "clock-inputs":
			req.ClockInputs = v.(int)
		case "ticks":
			req.Ticks = v.(int)
		case "seed":
			req.Seed = v.(int64)
		case "inference":
			req.Inference = v.(bool)
		case "backend":
			req.Backend = v.(string)
		case "workers":
			req.Workers = v.(int)
		case "sample-every":
			req.SampleEvery = v.(int)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}
