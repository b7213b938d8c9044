package saga

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// definitionFile is the YAML shape of a saga definition
type definitionFile struct {
	Name   string      `yaml:"name"`
	Policy string      `yaml:"policy"`
	Stages []stageSpec `yaml:"stages"`
}

type stageSpec struct {
	ID             string   `yaml:"id"`
	Type           string   `yaml:"type"`
	Compensator    string   `yaml:"compensator"`
	RequiredInputs []string `yaml:"requiredInputs"`
	Timeout        string   `yaml:"timeout"`
}

// LoadDefinition parses a saga definition from YAML. Executors are bound
// separately with BindExecutor.
func LoadDefinition(r io.Reader) (*SagaDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read saga definition: %w", err)
	}

	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse saga definition: %w", err)
	}

	def := &SagaDefinition{
		Name:   file.Name,
		Stages: make([]*Stage, 0, len(file.Stages)),
		Policy: HaltOnError,
	}
	switch file.Policy {
	case "", string(HaltOnError):
	case string(ContinueOnError):
		def.Policy = ContinueOnError
	default:
		return nil, fmt.Errorf("unknown compensation policy: %s", file.Policy)
	}

	for _, spec := range file.Stages {
		stage := &Stage{
			ID:             spec.ID,
			Type:           StageType(spec.Type),
			Compensator:    spec.Compensator,
			RequiredInputs: spec.RequiredInputs,
			Timeout:        DefaultStageTimeout,
		}
		if spec.Timeout != "" {
			timeout, err := time.ParseDuration(spec.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout for stage %s: %w", spec.ID, err)
			}
			stage.Timeout = timeout
		}
		def.Stages = append(def.Stages, stage)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinitionFile parses a saga definition from a YAML file
func LoadDefinitionFile(path string) (*SagaDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open saga definition %s: %w", path, err)
	}
	defer f.Close()
	return LoadDefinition(f)
}
