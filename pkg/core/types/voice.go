package types

// Transcript is the result of POST /v1/transcribe.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}
