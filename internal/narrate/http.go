package narrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SystemInstruction is the fixed narration contract sent with every
// request. The bracketed directive micro-syntax is load-bearing: the
// orchestrator parses [ROLL <KIND> <NAME|ALL>] directives out of the
// returned text and turns them into forced-roll gates.
const SystemInstruction = "You are the Game Master of a tabletop " +
	"role-playing session. Narrate the consequences of the players' " +
	"combined actions in vivid second person, two to four paragraphs. " +
	"Never decide outcomes that depend on chance; instead request a roll " +
	"inline with the exact syntax [ROLL <DICE> <PLAYER>] or [ROLL <DICE> " +
	"ALL], where <DICE> is one of D4, D6, D8, D10, D12, D20, D100."

// HTTPClientConfig configures one narration tier endpoint.
type HTTPClientConfig struct {
	GenerateURL string
	Model       string
	APIKey      string
	HTTPClient  *http.Client
}

// HTTPClient is a plain-HTTP adapter for one narration tier.
type HTTPClient struct {
	cfg HTTPClientConfig
}

// NewHTTPClient builds a narration tier client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.GenerateURL) == "" {
		return nil, fmt.Errorf("generate url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &HTTPClient{cfg: cfg}, nil
}

type wireMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type generateRequest struct {
	Model             string        `json:"model"`
	SystemInstruction string        `json:"systemInstruction"`
	History           []wireMessage `json:"history"`
	Prompt            string        `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate performs one narration call against the tier endpoint.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (Response, error) {
	history := make([]wireMessage, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, wireMessage{Role: string(m.Role), Text: m.Text})
	}

	body, err := json.Marshal(generateRequest{
		Model:             c.cfg.Model,
		SystemInstruction: SystemInstruction,
		History:           history,
		Prompt:            req.Prompt,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GenerateURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		// Credential material goes only into the header, never into
		// errors or logs.
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("generate request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(res.Body, 4096))
		if readErr != nil {
			return Response{}, fmt.Errorf("read generate error body: %w", readErr)
		}
		return Response{}, fmt.Errorf("generate request status %d: %s", res.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var payload generateResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Response{}, fmt.Errorf("decode generate response: %w", err)
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return Response{}, fmt.Errorf("generate response missing text")
	}
	return Response{Text: text, UsedModel: c.cfg.Model}, nil
}

// ImageGenerator requests scene art keyed off narration text. The call
// is fire-and-forget from the orchestrator's point of view: a failure
// here never fails the narration turn.
type ImageGenerator struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// Generate posts the narration text to the image endpoint and discards
// the response body.
func (g *ImageGenerator) Generate(ctx context.Context, sceneText string) error {
	if strings.TrimSpace(g.URL) == "" {
		return fmt.Errorf("image url is required")
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(map[string]string{"prompt": sceneText})
	if err != nil {
		return fmt.Errorf("marshal image request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("image request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("image request status %d", res.StatusCode)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
