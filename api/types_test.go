package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromMap(t *testing.T) {
	var opts Options
	require.NoError(t, opts.FromMap(nil))
	require.NoError(t, opts.FromMap(map[string]any{}))
	assert.Zero(t, opts)

	require.NoError(t, opts.FromMap(map[string]any{
		"width":           96,
		"height":          128,
		"max_frames":      10,
		"preserve_aspect": true,
	}))
	assert.Equal(t, Options{Width: 96, Height: 128, MaxFrames: 10, PreserveAspect: true}, opts)
}

func TestOptionsFromMapUnknownKey(t *testing.T) {
	var opts Options
	err := opts.FromMap(map[string]any{"temperature": 0.7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestOptionsFromMapBadType(t *testing.T) {
	var opts Options
	require.Error(t, opts.FromMap(map[string]any{"width": "wide"}))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "404 not found", Error{Code: 404}.Error())
	assert.Equal(t, "model missing", Error{Code: 404, Message: "model missing"}.Error())
}

func TestSynthesizeRequestJSON(t *testing.T) {
	var req SynthesizeRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "tom",
		"conditions": {
			"agnostic": {"frames": ["aaaa"]},
			"cloth": {"video": "bbbb"}
		},
		"options": {"max_frames": 3}
	}`), &req))

	assert.Equal(t, "tom", req.Model)
	assert.Equal(t, []string{"aaaa"}, req.Conditions["agnostic"].Frames)
	assert.Equal(t, "bbbb", req.Conditions["cloth"].Video)
	assert.Empty(t, req.Flow)

	var opts Options
	require.NoError(t, opts.FromMap(req.Options))
	assert.Equal(t, 3, opts.MaxFrames)
}

func TestShowResponseOmitsEmptyStages(t *testing.T) {
	bts, err := json.Marshal(ShowResponse{Architecture: "sams"})
	require.NoError(t, err)
	assert.NotContains(t, string(bts), "stages")
	assert.NotContains(t, string(bts), "name")
}
