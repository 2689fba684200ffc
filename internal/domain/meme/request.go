package meme

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMalformedRequest marks payloads that can never be processed.
	ErrMalformedRequest = errors.New("malformed meme request")
	// ErrMissingPrompt is reported together with ErrMalformedRequest when the
	// payload has no prompt field.
	ErrMissingPrompt = errors.New("prompt is missing")
	// ErrEmptyPrompt is the failure published for requests with a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Request is a normalized generation request. Build it with DecodeRequest.
type Request struct {
	ID         string
	Prompt     string
	FastMode   bool
	SmallImage bool
}

// wireRequest mirrors the queue payload; optional fields stay nil when absent.
type wireRequest struct {
	ID         *string `json:"id"`
	Prompt     *string `json:"prompt"`
	FastMode   *bool   `json:"fast_mode"`
	SmallImage *bool   `json:"small_image"`
}

// DecodeRequest parses a queue payload and applies defaults: a missing or
// empty id is replaced by a UUID v4, missing flags are false. A blank prompt
// decodes fine; the processor answers it with a failure.
func DecodeRequest(data []byte) (Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return wire.normalize()
}

func (w wireRequest) normalize() (Request, error) {
	if w.Prompt == nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedRequest, ErrMissingPrompt)
	}

	req := Request{Prompt: *w.Prompt}
	if w.ID != nil && *w.ID != "" {
		req.ID = *w.ID
	} else {
		req.ID = uuid.NewString()
	}
	if w.FastMode != nil {
		req.FastMode = *w.FastMode
	}
	if w.SmallImage != nil {
		req.SmallImage = *w.SmallImage
	}
	return req, nil
}

// CacheKey derives the cache key from the content fields only; the id never
// takes part.
func CacheKey(prompt string, fastMode, smallImage bool) string {
	return "meme:" + prompt + ":" + strconv.FormatBool(fastMode) + ":" + strconv.FormatBool(smallImage)
}

// HasPrompt reports whether the prompt has any non-space content.
func (r Request) HasPrompt() bool {
	return strings.TrimSpace(r.Prompt) != ""
}

// CacheKey returns the key this request's image is cached under.
func (r Request) CacheKey() string {
	return CacheKey(r.Prompt, r.FastMode, r.SmallImage)
}
