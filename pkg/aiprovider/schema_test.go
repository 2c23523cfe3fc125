package aiprovider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradingTestSchema() *Schema {
	return &Schema{
		Type: TypeObject,
		Properties: map[string]*Schema{
			"totalScore": {Type: TypeNumber},
			"maxScore":   {Type: TypeNumber},
			"breakdown": {
				Type:     TypeArray,
				MinItems: 2,
				MaxItems: 2,
				Items: &Schema{
					Type: TypeObject,
					Properties: map[string]*Schema{
						"criteriaId": {Type: TypeString},
						"score":      {Type: TypeNumber},
						"feedback":   {Type: TypeString},
					},
					Required: []string{"criteriaId", "score", "feedback"},
				},
			},
			"overallFeedback": {Type: TypeString},
		},
		Required: []string{"totalScore", "maxScore", "breakdown", "overallFeedback"},
	}
}

func TestSchemaValidate(t *testing.T) {
	schema := gradingTestSchema()

	valid := `{
		"totalScore": 17,
		"maxScore": 20,
		"breakdown": [
			{"criteriaId": "c1", "score": 9, "feedback": "solid"},
			{"criteriaId": "c2", "score": 8, "feedback": "good"}
		],
		"overallFeedback": "well done"
	}`
	assert.NoError(t, schema.Validate([]byte(valid)))

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"totalScore": `},
		{"not an object", `[1, 2]`},
		{"missing required", `{"totalScore": 1, "maxScore": 2, "breakdown": []}`},
		{"wrong scalar type", `{"totalScore": "high", "maxScore": 20, "breakdown": [{"criteriaId":"c1","score":1,"feedback":"x"},{"criteriaId":"c2","score":1,"feedback":"y"}], "overallFeedback": "ok"}`},
		{"too few items", `{"totalScore": 1, "maxScore": 2, "breakdown": [{"criteriaId":"c1","score":1,"feedback":"x"}], "overallFeedback": "ok"}`},
		{"item missing field", `{"totalScore": 1, "maxScore": 2, "breakdown": [{"criteriaId":"c1","score":1,"feedback":"x"},{"criteriaId":"c2","score":1}], "overallFeedback": "ok"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate([]byte(tt.doc))
			require.Error(t, err)

			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestSchemaGeminiDialect(t *testing.T) {
	schema := gradingTestSchema()
	dialect := schema.GeminiDialect()

	assert.Equal(t, "OBJECT", dialect["type"])

	props, ok := dialect["properties"].(map[string]any)
	require.True(t, ok)

	breakdown, ok := props["breakdown"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ARRAY", breakdown["type"])
	assert.Equal(t, 2, breakdown["minItems"])

	items, ok := breakdown["items"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "OBJECT", items["type"])
	assert.ElementsMatch(t, []string{"criteriaId", "score", "feedback"}, items["required"])
}
