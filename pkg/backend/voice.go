package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/types"
)

// Transcribe uploads captured audio and returns its transcript. language is
// sent as a hint when set.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format, language string) (*types.Transcript, error) {
	if len(audio) == 0 {
		return nil, core.NewInvalidRequestError("audio must not be empty")
	}
	format = strings.TrimSpace(format)
	if format == "" {
		format = "wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("format", format); err != nil {
		return nil, fmt.Errorf("write format field: %w", err)
	}
	if language = strings.TrimSpace(language); language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := c.withRequestTimeout(ctx)
	defer cancel()

	resp, err := c.send(ctx, "transcribe", http.MethodPost, "/v1/transcribe", &buf, mw.FormDataContentType(), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out types.Transcript
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, c.classify(ctx, "transcribe", &core.Error{
			Type:      core.ErrAPI,
			Message:   "failed to decode transcribe response",
			RequestID: requestIDFromHeader(resp.Header),
		})
	}
	return &out, nil
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

// Synthesize returns the streamed audio for text. The caller owns the body and
// reads it incrementally; closing it or cancelling ctx stops the download.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.NewInvalidRequestError("text must not be empty")
	}
	raw, err := json.Marshal(synthesizeRequest{Text: text})
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to marshal synthesize request")
	}
	resp, err := c.send(ctx, "synthesize", http.MethodPost, "/v1/synthesize", bytes.NewReader(raw), "application/json", "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
