package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// GenerateParams describes one text-to-image call.
type GenerateParams struct {
	// Model is the full inference endpoint URL of the selected model.
	Model  string
	Prompt string
	Width  int
	Height int
}

type generateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters generateParameters `json:"parameters"`
}

type generateParameters struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// APIError is returned for every failed backend call. StatusCode is zero when
// no HTTP response was received (timeout, connection refused).
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("Hugging Face API request failed: %v", e.Err)
	}
	return fmt.Sprintf("Hugging Face API error (%d): %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ErrEmptyImage is wrapped in an APIError when the backend answers 2xx with no bytes.
var ErrEmptyImage = errors.New("empty image response")

// Client calls the Hugging Face inference API.
type Client struct {
	httpClient *resty.Client
	timeout    time.Duration
	log        zerolog.Logger
}

// NewClient creates a Resty-backed client that authenticates with a bearer token.
func NewClient(token string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("inference API token must be provided")
	}
	return &Client{
		httpClient: resty.New().
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "image/png").
			SetTimeout(timeout),
		timeout: timeout,
		log:     logger.With().Str("component", "inference").Logger(),
	}, nil
}

// Generate posts the prompt to params.Model and returns the raw image bytes.
func (c *Client) Generate(ctx context.Context, params GenerateParams) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(generateRequest{
			Inputs: params.Prompt,
			Parameters: generateParameters{
				Width:  params.Width,
				Height: params.Height,
			},
		}).
		Post(params.Model)
	if err != nil {
		return nil, &APIError{Err: err}
	}

	c.log.Debug().
		Str("model", params.Model).
		Int("status", resp.StatusCode()).
		Int("bytes", len(resp.Body())).
		Dur("duration", time.Since(start)).
		Msg("inference call finished")

	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if len(resp.Body()) == 0 {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: ErrEmptyImage.Error(), Err: ErrEmptyImage}
	}
	return resp.Body(), nil
}
