package structured

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfields/promptflow/types"
)

type review struct {
	Title    string   `json:"title"`
	Score    float64  `json:"score"`
	Tags     []string `json:"tags,omitempty"`
	Verdict  string   `json:"verdict" jsonschema:"enum=accept|reject"`
	Priority int      `json:"priority,omitempty" jsonschema:"description=triage priority"`
}

func TestSchemaOfStruct(t *testing.T) {
	schema, err := SchemaOf[review]()
	require.NoError(t, err)

	assert.Equal(t, TypeObject, schema.Type)
	assert.Equal(t, "review", schema.Name)
	assert.ElementsMatch(t, []string{"title", "score", "verdict"}, schema.Required)

	assert.Equal(t, TypeString, schema.Properties["title"].Type)
	assert.Equal(t, TypeNumber, schema.Properties["score"].Type)
	assert.Equal(t, TypeArray, schema.Properties["tags"].Type)
	assert.Equal(t, TypeString, schema.Properties["tags"].Items.Type)
	assert.Len(t, schema.Properties["verdict"].Enum, 2)
	assert.Equal(t, "triage priority", schema.Properties["priority"].Description)
}

func TestValidateAcceptsConformingJSON(t *testing.T) {
	schema := MustSchemaOf[review]()
	payload := json.RawMessage(`{"title":"ok","score":0.5,"verdict":"accept"}`)
	assert.NoError(t, schema.Validate(payload))
}

func TestValidateReportsViolations(t *testing.T) {
	schema := MustSchemaOf[review]()

	tests := []struct {
		name    string
		payload string
	}{
		{"missing required", `{"title":"x","score":1}`},
		{"wrong type", `{"title":3,"score":0.5,"verdict":"accept"}`},
		{"bad enum", `{"title":"x","score":0.5,"verdict":"maybe"}`},
		{"not an object", `[1,2,3]`},
		{"not json", `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	schema := MustSchemaOf[review]()
	got, err := Decode[review](schema, json.RawMessage(`{"title":"T","score":0.9,"verdict":"accept","tags":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, "T", got.Title)
	assert.Equal(t, []string{"a"}, got.Tags)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", `Sure! Here you go: {"a":1} hope that helps`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.text)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	_, err := ExtractJSON("no json here")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestPromptInstructionMentionsSchema(t *testing.T) {
	schema := MustSchemaOf[review]()
	instruction := schema.PromptInstruction()
	assert.Contains(t, instruction, "JSON Schema")
	assert.Contains(t, instruction, "title")
	assert.Contains(t, instruction, "verdict")
}
