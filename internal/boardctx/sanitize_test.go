package boardctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeStripsIdentifiersAtEveryLevel(t *testing.T) {
	raw := map[string]any{
		"id":      "brd_1",
		"name":    "Launch",
		"ownerId": "someone",
		"columns": []any{
			map[string]any{
				"id":       "col_1",
				"boardId":  "brd_1",
				"name":     "Todo",
				"position": float64(0),
				"tasks": []any{
					map[string]any{
						"_id":      "legacy",
						"taskId":   "tsk_1",
						"columnId": "col_1",
						"title":    "Write plan",
						"subtasks": []any{
							map[string]any{"subtaskId": "sub_1", "title": "Outline"},
						},
					},
				},
			},
		},
	}

	bc, err := Sanitize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Launch", bc.Name)
	require.Len(t, bc.Columns, 1)
	assert.Equal(t, "Todo", bc.Columns[0].Name)
	require.NotNil(t, bc.Columns[0].Position)
	assert.Equal(t, 0, *bc.Columns[0].Position)
	require.Len(t, bc.Columns[0].Tasks, 1)
	assert.Equal(t, "Write plan", bc.Columns[0].Tasks[0].Title)
	require.Len(t, bc.Columns[0].Tasks[0].Subtasks, 1)
	assert.Equal(t, "Outline", bc.Columns[0].Tasks[0].Subtasks[0].Title)

	// input untouched
	assert.Equal(t, "brd_1", raw["id"])
	column := raw["columns"].([]any)[0].(map[string]any)
	assert.Equal(t, "col_1", column["id"])
	task := column["tasks"].([]any)[0].(map[string]any)
	assert.Equal(t, "tsk_1", task["taskId"])
}

func TestSanitizeNormalizesLooseValues(t *testing.T) {
	bc, err := Parse([]byte(`{
		"name": "Ops",
		"columns": [
			{"title": "Backlog", "position": "2", "tasks": [
				{"name": "Rotate keys", "position": 1.5, "description": 7},
				{"title": "Patch", "position": -1}
			]}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, bc.Columns, 1)

	col := bc.Columns[0]
	assert.Equal(t, "Backlog", col.Name)
	require.NotNil(t, col.Position)
	assert.Equal(t, 2, *col.Position)

	require.Len(t, col.Tasks, 2)
	assert.Equal(t, "Rotate keys", col.Tasks[0].Title)
	assert.Nil(t, col.Tasks[0].Position)
	assert.Empty(t, col.Tasks[0].Description)
	assert.Nil(t, col.Tasks[1].Position)
}

func TestSanitizeRejectsInvalidContexts(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `{"name":`,
		"array":          `[]`,
		"blank column":   `{"columns":[{"name":"  "}]}`,
		"blank task":     `{"columns":[{"name":"Todo","tasks":[{"title":""}]}]}`,
		"blank subtask":  `{"columns":[{"name":"Todo","tasks":[{"title":"x","subtasks":[{"title":""}]}]}]}`,
		"columns object": `{"columns":{"name":"Todo"}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidContext), "got %v", err)
		})
	}
}

func TestSanitizeNilMap(t *testing.T) {
	_, err := Sanitize(nil)
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestValidateReportsFieldPath(t *testing.T) {
	err := Validate(BoardContext{Columns: []ColumnContext{{Name: "Todo", Position: IntPtr(-3)}}})
	require.ErrorIs(t, err, ErrInvalidContext)
	assert.Contains(t, err.Error(), "Columns[0].Position")
}

func TestKeyFoldsCaseAndSpace(t *testing.T) {
	assert.Equal(t, Key("In Progress"), Key("  in progress "))
	assert.NotEqual(t, Key("Todo"), Key("To do"))
}
