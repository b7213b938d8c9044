package saga

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinitionYAML = `
name: value-workflow
policy: continue_on_error
stages:
  - id: opportunity
    type: opportunity
    requiredInputs: [customerProfile]
    timeout: 30s
  - id: target
    type: target
    compensator: cancel_commitment
  - id: realization
    type: realization
`

func TestLoadDefinition(t *testing.T) {
	t.Run("parses a complete definition", func(t *testing.T) {
		def, err := LoadDefinition(strings.NewReader(sampleDefinitionYAML))
		require.NoError(t, err)

		assert.Equal(t, "value-workflow", def.Name)
		assert.Equal(t, ContinueOnError, def.Policy)
		require.Len(t, def.Stages, 3)

		assert.Equal(t, StageTypeOpportunity, def.Stages[0].Type)
		assert.Equal(t, []string{"customerProfile"}, def.Stages[0].RequiredInputs)
		assert.Equal(t, 30*time.Second, def.Stages[0].Timeout)

		assert.Equal(t, CompensatorCancelCommitment, def.Stages[1].Compensator)
		// Unspecified timeouts fall back to the default
		assert.Equal(t, DefaultStageTimeout, def.Stages[1].Timeout)
	})

	t.Run("policy defaults to halt on error", func(t *testing.T) {
		def, err := LoadDefinition(strings.NewReader(`
name: minimal
stages:
  - id: opportunity
    type: opportunity
`))
		require.NoError(t, err)
		assert.Equal(t, HaltOnError, def.Policy)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		cases := map[string]string{
			"unknown policy": `
name: bad
policy: best_effort
stages:
  - id: opportunity
    type: opportunity
`,
			"invalid timeout": `
name: bad
stages:
  - id: opportunity
    type: opportunity
    timeout: fast
`,
			"duplicate stage ID": `
name: bad
stages:
  - id: opportunity
    type: opportunity
  - id: opportunity
    type: target
`,
			"missing stage type": `
name: bad
stages:
  - id: opportunity
`,
			"no stages": `
name: bad
`,
			"not yaml": `{{nope`,
		}
		for name, input := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := LoadDefinition(strings.NewReader(input))
				assert.Error(t, err)
			})
		}
	})
}

func TestValueWorkflowDefinition(t *testing.T) {
	def := ValueWorkflowDefinition()
	require.NoError(t, def.Validate())

	assert.Equal(t, []string{
		"opportunity", "target", "realization", "expansion", "integrity",
	}, def.StageIDs())
	assert.Equal(t, HaltOnError, def.Policy)
	for _, stage := range def.Stages {
		assert.Equal(t, DefaultStageTimeout, stage.Timeout)
	}
}

func TestBindExecutor(t *testing.T) {
	def := ValueWorkflowDefinition()
	executor := StageExecutorFunc(func(ctx context.Context, sessionID string, input map[string]interface{}) (*StageOutput, error) {
		return &StageOutput{}, nil
	})

	require.NoError(t, def.BindExecutor("target", executor))
	assert.NotNil(t, def.Stages[1].Executor)
	assert.Error(t, def.BindExecutor("bogus", executor))
}

func TestDefinitionValidate(t *testing.T) {
	assert.Error(t, (&SagaDefinition{}).Validate())
	assert.Error(t, (&SagaDefinition{Name: "x"}).Validate())
	assert.Error(t, (&SagaDefinition{
		Name:   "x",
		Stages: []*Stage{{Type: StageTypeOpportunity}},
	}).Validate())
}
