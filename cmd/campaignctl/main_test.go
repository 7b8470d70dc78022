package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintbot-021/flint-prod-sub003/internal/engine/runtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

const quizYAML = `
name: Quiz
sections:
  - id: q1
    type: text_question
    title: Your Name
    order: 0
    settings:
      required: true
  - id: ai
    type: ai_logic
    title: Score
    order: 1
    settings:
      prompt: "Score @your_name"
      output_variables:
        - name: score
          type: number
  - id: out
    type: output
    title: Result
    order: 2
    settings:
      headline: "Hi @your_name"
      body: "You scored @score"
`

const duplicateYAML = `
name: Broken
sections:
  - id: a
    type: text_question
    title: Name
    order: 0
  - id: b
    type: text_question
    title: name
    order: 1
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, collab collaboratorFactory, args ...string) (string, error) {
	t.Helper()
	if collab == nil {
		collab = defaultCollaborator
	}
	root := newRootCmd(collab)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, nil, "validate", writeFile(t, "quiz.yaml", quizYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "Quiz: ok (3 sections)")

	out, err = execute(t, nil, "validate", "--json", writeFile(t, "broken.yaml", duplicateYAML))
	assert.ErrorIs(t, err, errInvalidCampaign)

	var report struct {
		Valid  bool             `json:"valid"`
		Issues []variables.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Issues)
	assert.Equal(t, variables.IssueDuplicateVariable, report.Issues[0].Kind)
}

func TestValidateCommandMissingFile(t *testing.T) {
	_, err := execute(t, nil, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestVariablesCommand(t *testing.T) {
	path := writeFile(t, "quiz.yaml", quizYAML)

	out, err := execute(t, nil, "variables", path)
	require.NoError(t, err)
	var all []models.Variable
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	assert.Equal(t, []string{"your_name", "score"}, []string{all[0].Name, all[1].Name})

	out, err = execute(t, nil, "variables", "--index", "1", path)
	require.NoError(t, err)
	var visible []models.Variable
	require.NoError(t, json.Unmarshal([]byte(out), &visible))
	require.Len(t, visible, 1)
	assert.Equal(t, "your_name", visible[0].Name)

	_, err = execute(t, nil, "variables", "--index", "7", path)
	assert.ErrorContains(t, err, "out of range")
}

func TestRenderOfflineDegradesAISections(t *testing.T) {
	campaign := writeFile(t, "quiz.yaml", quizYAML)
	values := writeFile(t, "values.json", `{"your_name": "Ada"}`)

	out, err := execute(t, nil, "render", campaign, "--values", values, "--offline")
	require.NoError(t, err)

	var ev runtime.Evaluation
	require.NoError(t, json.Unmarshal([]byte(out), &ev))
	assert.Equal(t, []string{"ai"}, ev.Degraded())

	res, ok := ev.Section("out")
	require.True(t, ok)
	assert.Equal(t, "Hi Ada", res.Fields["headline"])
	assert.Contains(t, res.Unresolved, "score")
}

func TestRenderUsesCollaborator(t *testing.T) {
	campaign := writeFile(t, "quiz.yaml", quizYAML)
	values := writeFile(t, "values.yaml", "your_name: Grace\n")

	var offlineFlag bool
	collab := func(offline bool, _ *utils.Logger) (runtime.Collaborator, error) {
		offlineFlag = offline
		return runtime.CollaboratorFunc(func(_ context.Context, req models.ProcessRequest) models.ProcessResponse {
			name, _ := req.Variables["your_name"].(string)
			return models.ProcessResponse{Success: true, Outputs: map[string]interface{}{"score": float64(len(name))}}
		}), nil
	}

	out, err := execute(t, collab, "render", campaign, "--values", values)
	require.NoError(t, err)
	assert.False(t, offlineFlag)

	var ev runtime.Evaluation
	require.NoError(t, json.Unmarshal([]byte(out), &ev))
	assert.Empty(t, ev.Degraded())
	res, ok := ev.Section("out")
	require.True(t, ok)
	assert.Equal(t, "You scored 5", res.Fields["body"])
}

func TestLoadValuesRejectsBadJSON(t *testing.T) {
	_, err := loadValues(writeFile(t, "values.json", "{not json"))
	assert.ErrorContains(t, err, "parse values")
}
