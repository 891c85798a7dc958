package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"podforge/pkg/logger"

	"go.uber.org/zap"
)

const (
	synthesizePath = "/v1/synthesize"
	operationPath  = "/v1/operations"

	OperationPoll = 5 * time.Second
	MaxWaitTime   = 30 * time.Minute
)

// Client talks to the speech synthesis backend: one call starts a
// long-running operation, then the operation is polled until done.
type Client struct {
	endpoint     string
	apiKey       string
	voice        string
	pollInterval time.Duration
	client       *http.Client
}

func NewClient(endpoint, apiKey, voice string) *Client {
	return &Client{
		endpoint:     endpoint,
		apiKey:       apiKey,
		voice:        voice,
		pollInterval: OperationPoll,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Synthesize renders a script to audio, blocking until the backend
// operation finishes or MaxWaitTime elapses.
func (c *Client) Synthesize(ctx context.Context, script string) (*SynthesisResult, error) {
	operationID, err := c.startSynthesis(ctx, script)
	if err != nil {
		return nil, err
	}

	return c.waitForResult(ctx, operationID)
}

func (c *Client) startSynthesis(ctx context.Context, script string) (string, error) {
	reqBody := SynthesisRequest{
		Text:       script,
		Voice:      c.voice,
		Format:     "wav",
		SampleRate: 24000,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+synthesizePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Api-Key %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	logger.Debug("Starting speech synthesis",
		zap.Int("script_length", len(script)),
		zap.String("voice", c.voice))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("synthesis request failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	var opResp OperationResponse
	if err := json.Unmarshal(respBody, &opResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Info("Synthesis started", zap.String("operation_id", opResp.ID))

	return opResp.ID, nil
}

// Polling operation status until done
func (c *Client) waitForResult(ctx context.Context, operationID string) (*SynthesisResult, error) {
	url := fmt.Sprintf("%s%s/%s", c.endpoint, operationPath, operationID)
	startTime := time.Now()

	for {
		if time.Since(startTime) > MaxWaitTime {
			return nil, fmt.Errorf("synthesis timeout exceeded")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", fmt.Sprintf("Api-Key %s", c.apiKey))

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("operation check failed: status=%d, body=%s", resp.StatusCode, string(respBody))
		}

		var opResp OperationResponse
		if err := json.Unmarshal(respBody, &opResp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if opResp.Done {
			if opResp.Error != nil {
				return nil, fmt.Errorf("synthesis failed: %s (code: %d)", opResp.Error.Message, opResp.Error.Code)
			}

			if opResp.Response == nil || len(opResp.Response.AudioContent) == 0 {
				return nil, fmt.Errorf("synthesis returned no audio")
			}

			logger.Info("Synthesis completed",
				zap.String("operation_id", operationID),
				zap.Int("audio_bytes", len(opResp.Response.AudioContent)),
				zap.Float64("duration_seconds", opResp.Response.DurationSeconds))

			return opResp.Response, nil
		}

		logger.Debug("Synthesis in progress",
			zap.String("operation_id", operationID),
			zap.Duration("elapsed", time.Since(startTime)))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
