package meme

// Result is published on the response subject when an image is available.
type Result struct {
	RequestID string `json:"request_id"`
	ImageData string `json:"image_data"` // base64, standard encoding
	Prompt    string `json:"prompt"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// Failure is published on the error subject when a request cannot be served.
type Failure struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Outcome summarises how a request was answered.
type Outcome string

const (
	OutcomeCacheHit  Outcome = "cache_hit"
	OutcomeGenerated Outcome = "generated"
	OutcomeFailed    Outcome = "failed"
)
