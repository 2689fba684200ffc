package meme

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest_Defaults(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"prompt":"cat astronaut"}`))
	require.NoError(t, err)

	assert.Equal(t, "cat astronaut", req.Prompt)
	assert.False(t, req.FastMode)
	assert.False(t, req.SmallImage)
	_, err = uuid.Parse(req.ID)
	assert.NoError(t, err, "generated id must be a uuid")
}

func TestDecodeRequest_KeepsProvidedFields(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"battle-42","prompt":"dog","fast_mode":true,"small_image":true}`))
	require.NoError(t, err)

	assert.Equal(t, Request{ID: "battle-42", Prompt: "dog", FastMode: true, SmallImage: true}, req)
}

func TestDecodeRequest_EmptyIDReplaced(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"","prompt":"dog"}`))
	require.NoError(t, err)
	_, err = uuid.Parse(req.ID)
	assert.NoError(t, err)
}

func TestDecodeRequest_IDEchoedVerbatim(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"  x  ","prompt":"dog"}`))
	require.NoError(t, err)
	assert.Equal(t, "  x  ", req.ID)
}

func TestDecodeRequest_BlankPromptKeepsID(t *testing.T) {
	for _, payload := range []string{`{"id":"x","prompt":""}`, `{"id":"x","prompt":"   "}`} {
		req, err := DecodeRequest([]byte(payload))
		require.NoError(t, err, payload)
		assert.Equal(t, "x", req.ID)
		assert.False(t, req.HasPrompt())
	}
	assert.True(t, Request{Prompt: " cat "}.HasPrompt())
}

func TestDecodeRequest_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		missing bool
	}{
		{"not json", `prompt=cat`, false},
		{"wrong type", `{"prompt":42}`, false},
		{"array", `[]`, false},
		{"missing prompt", `{"id":"x"}`, true},
		{"null prompt", `{"id":"x","prompt":null}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest))
			assert.Equal(t, tt.missing, errors.Is(err, ErrMissingPrompt))
		})
	}
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "meme:cat astronaut:false:false", CacheKey("cat astronaut", false, false))
	assert.Equal(t, "meme:cat astronaut:true:false", CacheKey("cat astronaut", true, false))
	assert.Equal(t, "meme:cat astronaut:false:true", CacheKey("cat astronaut", false, true))

	a := Request{ID: "one", Prompt: "same"}
	b := Request{ID: "two", Prompt: "same"}
	assert.Equal(t, a.CacheKey(), b.CacheKey(), "id must not affect the key")
}

func TestModelPolicySelect(t *testing.T) {
	policy := ModelPolicy{QualityModel: "https://hf/quality", FastModel: "https://hf/fast"}

	tests := []struct {
		fast, small bool
		want        Selection
	}{
		{false, false, Selection{Tier: TierQuality, Model: "https://hf/quality", Width: 1024, Height: 1024}},
		{false, true, Selection{Tier: TierQuality, Model: "https://hf/quality", Width: 512, Height: 512}},
		{true, false, Selection{Tier: TierFast, Model: "https://hf/fast", Width: 1024, Height: 1024}},
		{true, true, Selection{Tier: TierFast, Model: "https://hf/fast", Width: 512, Height: 512}},
	}
	for _, tt := range tests {
		got := policy.Select(Request{Prompt: "x", FastMode: tt.fast, SmallImage: tt.small})
		assert.Equal(t, tt.want, got, "fast=%v small=%v", tt.fast, tt.small)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("cat astronaut")
	assert.Contains(t, p, "The meme should be about: cat astronaut.")
	assert.Contains(t, p, "impact font")
	assert.Contains(t, p, "top and bottom")

	assert.Contains(t, BuildPrompt("100% done"), "100% done")
}
