package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"quotaguard/pkg/serrors"
)

// HTTPClient is a default HTTP-backed implementation of Chat, Embedding, and
// Transcription against an OpenAI-compatible deployment, in the manual
// JSON-(de)serialisation style of urlscanio.Client. One HTTPClient value
// implements all three provider interfaces because, in practice, the three
// endpoints share transport and authentication.
type HTTPClient struct {
	httpClient            *http.Client
	chatEndpoint          string
	embeddingEndpoint     string
	transcriptionEndpoint string
	deployment            string
	apiKey                string
}

// NewHTTPClient constructs an HTTPClient targeting the given per-capability
// endpoints.
func NewHTTPClient(httpClient *http.Client, chatEndpoint, embeddingEndpoint, transcriptionEndpoint, deployment, apiKey string) *HTTPClient {
	return &HTTPClient{
		httpClient:            httpClient,
		chatEndpoint:          chatEndpoint,
		embeddingEndpoint:     embeddingEndpoint,
		transcriptionEndpoint: transcriptionEndpoint,
		deployment:            deployment,
		apiKey:                apiKey,
	}
}

var (
	_ Chat          = (*HTTPClient)(nil)
	_ Embedding     = embeddingAdapter{}
	_ Transcription = transcriptionAdapter{}
)

// Invoke calls the chat-completion endpoint.
func (c *HTTPClient) Invoke(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.deployment
	}

	type wireMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	wireReq := struct {
		Model    string        `json:"model"`
		Messages []wireMessage `json:"messages"`
	}{Model: model}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	var wireResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := c.doJSON(ctx, c.chatEndpoint, wireReq, &wireResp); err != nil {
		return ChatResponse{}, err
	}

	var content string
	if len(wireResp.Choices) > 0 {
		content = wireResp.Choices[0].Message.Content
	}

	return ChatResponse{
		Content:          content,
		PromptTokens:     wireResp.Usage.PromptTokens,
		CompletionTokens: wireResp.Usage.CompletionTokens,
	}, nil
}

func (c *HTTPClient) invokeEmbedding(ctx context.Context, req EmbeddingRequest) (EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = c.deployment
	}

	wireReq := struct {
		Model string `json:"model"`
		Input string `json:"input"`
	}{Model: model, Input: req.Input}

	var wireResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}

	if err := c.doJSON(ctx, c.embeddingEndpoint, wireReq, &wireResp); err != nil {
		return EmbeddingResponse{}, err
	}

	var vec []float32
	if len(wireResp.Data) > 0 {
		vec = wireResp.Data[0].Embedding
	}

	return EmbeddingResponse{Vector: vec, PromptTokens: wireResp.Usage.PromptTokens}, nil
}

// embeddingAdapter exists only so *HTTPClient.Invoke can be overloaded by
// capability without Go method overloading: callers obtain a dedicated
// Embedding value via AsEmbedding.
type embeddingAdapter struct{ c *HTTPClient }

func (a embeddingAdapter) Invoke(ctx context.Context, req EmbeddingRequest) (EmbeddingResponse, error) {
	return a.c.invokeEmbedding(ctx, req)
}

// AsEmbedding returns an Embedding view of this client.
func (c *HTTPClient) AsEmbedding() Embedding { return embeddingAdapter{c: c} }

// transcriptionAdapter mirrors embeddingAdapter for the Transcription capability.
type transcriptionAdapter struct{ c *HTTPClient }

func (a transcriptionAdapter) Invoke(ctx context.Context, req TranscriptionRequest) (TranscriptionResponse, error) {
	return a.c.invokeTranscription(ctx, req)
}

// AsTranscription returns a Transcription view of this client.
func (c *HTTPClient) AsTranscription() Transcription { return transcriptionAdapter{c: c} }

func (c *HTTPClient) invokeTranscription(ctx context.Context, req TranscriptionRequest) (TranscriptionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transcriptionEndpoint, bytes.NewReader(req.Audio))
	if err != nil {
		return TranscriptionResponse{}, serrors.Wrap(serrors.ErrInternal, err, "could not create request")
	}
	httpReq.Header.Set("Content-Type", req.ContentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TranscriptionResponse{}, serrors.Wrap(serrors.ErrUnavailable, err, "could not reach provider")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return TranscriptionResponse{}, serrors.Wrap(serrors.ErrUnavailable, err, "could not read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TranscriptionResponse{}, serrors.With(serrors.ErrUnavailable, "provider returned %d: %s", resp.StatusCode, string(b))
	}

	var wireResp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &wireResp); err != nil {
		return TranscriptionResponse{}, serrors.Wrap(serrors.ErrInternal, err, "could not decode response")
	}

	return TranscriptionResponse{Text: wireResp.Text}, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, endpoint string, reqBody, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return serrors.Wrap(serrors.ErrInternal, err, "could not marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return serrors.Wrap(serrors.ErrInternal, err, "could not create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return serrors.Wrap(serrors.ErrUnavailable, err, "could not reach provider")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return serrors.Wrap(serrors.ErrUnavailable, err, "could not read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serrors.With(serrors.ErrUnavailable, "provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return serrors.Wrap(serrors.ErrInternal, err, "could not decode response")
	}

	return nil
}
