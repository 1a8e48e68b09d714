package scenarios

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattex/wattexd/internal/domain"
)

func TestRunAllScenariosPass(t *testing.T) {
	reports, err := RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, len(registry))

	for _, rep := range reports {
		assert.True(t, rep.Passed, "scenario %s failed: %+v", rep.Scenario, rep.Steps)
		assert.NotEmpty(t, rep.Steps, "scenario %s recorded no steps", rep.Scenario)
		for _, step := range rep.Steps {
			assert.Equal(t, "ok", step.Status, "scenario %s step %s: %v", rep.Scenario, step.Name, step.Detail)
		}
	}
}

func TestRunSuccessScenarioSteps(t *testing.T) {
	rep, err := Run(context.Background(), "success")
	require.NoError(t, err)
	require.True(t, rep.Passed, "steps: %+v", rep.Steps)

	names := make([]string, 0, len(rep.Steps))
	for _, step := range rep.Steps {
		names = append(names, step.Name)
	}
	assert.Contains(t, names, "place trade")
	assert.Contains(t, names, "verifier sweep")
	assert.Contains(t, names, "balance seller-offer-1")
	assert.Contains(t, names, "blocks offer-1")
}

func TestExpectedFailureStepNamesKind(t *testing.T) {
	rep, err := Run(context.Background(), "insufficient-balance")
	require.NoError(t, err)
	require.True(t, rep.Passed, "steps: %+v", rep.Steps)

	var detail map[string]any
	for _, step := range rep.Steps {
		if step.Name == "place trade refused" {
			var ok bool
			detail, ok = step.Detail.(map[string]any)
			require.True(t, ok, "detail: %+v", step.Detail)
		}
	}
	require.NotNil(t, detail)
	assert.Equal(t, domain.KindInsufficientBalance.String(), detail["kind"])
}

func TestRunUnknownScenario(t *testing.T) {
	rep, err := Run(context.Background(), "time-travel")
	assert.Nil(t, rep)
	assert.True(t, domain.IsNotFound(err))
}

func TestListMatchesNames(t *testing.T) {
	infos := List()
	names := Names()
	require.Len(t, infos, len(names))
	for i, info := range infos {
		assert.Equal(t, names[i], info.Name)
		assert.NotEmpty(t, info.About)
	}
	assert.Contains(t, names, "success")
	assert.Contains(t, names, "replay")
	assert.Contains(t, names, "insufficient-balance")
}
