package scenario

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepJSONTimeout(t *testing.T) {
	tests := map[string]time.Duration{
		`{"kind":"click","selector":"#a","timeout":"10s"}`:      10 * time.Second,
		`{"kind":"click","selector":"#a","timeout":"1m30s"}`:    90 * time.Second,
		`{"kind":"click","selector":"#a","timeout":1500000000}`: 1500 * time.Millisecond,
		`{"kind":"click","selector":"#a","timeout":null}`:       0,
		`{"kind":"click","selector":"#a"}`:                      0,
	}

	for doc, want := range tests {
		t.Run(doc, func(t *testing.T) {
			var step Step
			require.NoError(t, json.Unmarshal([]byte(doc), &step))
			assert.Equal(t, StepClick, step.Kind)
			assert.Equal(t, "#a", step.Selector)
			assert.Equal(t, want, step.Timeout)
		})
	}
}

func TestStepJSONTimeoutRejects(t *testing.T) {
	for _, doc := range []string{
		`{"kind":"click","timeout":"soon"}`,
		`{"kind":"click","timeout":true}`,
	} {
		var step Step
		assert.Error(t, json.Unmarshal([]byte(doc), &step), doc)
	}
}

func TestStepJSONWritesDurationString(t *testing.T) {
	sc := Scenario{Name: "x", Steps: []Step{
		{Kind: StepNavigate, URL: "http://atlas.test", Timeout: 10 * time.Second},
		{Kind: StepScreenshot, FullPage: true},
	}}

	data, err := json.Marshal(sc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timeout":"10s"`)
	assert.Contains(t, string(data), `"full_page":true`)

	var back Scenario
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, sc, back)
}
