package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Render(t *testing.T) {
	tpl, err := ParseTemplate("synth", `
Style: {{ .Style | upper }}
Frames: {{ join .Frames ", " }}
Features: {{ json .Features }}
`)
	require.NoError(t, err)

	data := map[string]any{
		"Style":    "Swing Trader",
		"Frames":   []string{"4h", "1h"},
		"Features": map[string]string{"trend": "Uptrend"},
	}
	first, err := tpl.Render(data)
	require.NoError(t, err)
	second, err := tpl.Render(data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Style: SWING TRADER\nFrames: 4h, 1h\nFeatures: {\n  \"trend\": \"Uptrend\"\n}", first)
}

func TestTemplate_MissingKeyIsError(t *testing.T) {
	_, err := Render(`{{ .Absent }}`, map[string]any{"Present": 1})
	assert.Error(t, err)
}

func TestParseTemplate_InvalidSyntax(t *testing.T) {
	_, err := ParseTemplate("bad", `{{ .Open `)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse template bad")
}
