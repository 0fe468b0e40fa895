// Package siliconflow implements the media.Service interface against the
// SiliconFlow HTTP API: OpenAI-style chat completions for image description
// and prompt refinement, and the video generation endpoints for submission
// and status polling.
package siliconflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vanch007/siliconflow-i2v/internal/config"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/platform/logger"
)

// Client is a SiliconFlow API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	defaultKey string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new SiliconFlow client from the given configuration.
// If logger is nil, a default logger will be used.
func NewClient(cfg config.SiliconFlowConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		defaultKey: cfg.APIKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger.With(slog.String("component", "siliconflow")),
	}
}

// Ensure Client implements media.Service.
var _ media.Service = (*Client)(nil)

const describeInstruction = "Describe this image in detail. Focus on the main subjects, " +
	"actions, environment, colors, and mood."

// Describe implements media.Service.Describe using a vision chat completion
// with the image inlined as a base64 data URL.
func (c *Client) Describe(ctx context.Context, imagePath, model, apiKey string) (string, error) {
	dataURL, err := encodeImageDataURL(imagePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrImageProcessing, err)
	}

	payload := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": describeInstruction},
					{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
		"max_tokens": 1024,
	}

	var resp chatCompletionResponse
	if err := c.postJSON(ctx, "/chat/completions", apiKey, payload, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrImageProcessing, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty description in response", media.ErrImageProcessing)
	}
	return resp.Choices[0].Message.Content, nil
}

// Refine implements media.Service.Refine. Some reasoning models return their
// answer in reasoning_content with an empty content field; in that case the
// last paragraph of the reasoning is used as the prompt.
func (c *Client) Refine(ctx context.Context, description, model, template, apiKey string) (string, error) {
	payload := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": template},
			{
				"role": "user",
				"content": "Here is an image description. Please refine it into a " +
					"high-quality prompt for image-to-video generation:\n\n" + description,
			},
		},
		"max_tokens":  512,
		"temperature": 0.7,
	}

	var resp chatCompletionResponse
	if err := c.postJSON(ctx, "/chat/completions", apiKey, payload, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrPromptRefinement, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", media.ErrPromptRefinement)
	}

	prompt := resp.Choices[0].Message.Content
	if prompt == "" && resp.Choices[0].Message.ReasoningContent != "" {
		paragraphs := strings.Split(resp.Choices[0].Message.ReasoningContent, "\n\n")
		prompt = paragraphs[len(paragraphs)-1]
	}
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt in response", media.ErrPromptRefinement)
	}
	return prompt, nil
}

// Submit implements media.Service.Submit. It first tries the current /videos
// contract (separate width and height, snake_case request_id) and, if that
// fails for any reason, falls back to the legacy /video/submit contract
// (combined image_size, camelCase requestId).
func (c *Client) Submit(ctx context.Context, req media.SubmitRequest) (string, error) {
	log := logger.FromContextOrDefault(ctx, c.logger)

	image, err := encodeImageDataURL(req.ImagePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrSubmission, err)
	}

	width, height, err := parseSize(req.Size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrSubmission, err)
	}

	payload := map[string]any{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"negative_prompt": req.NegativePrompt,
		"width":           width,
		"height":          height,
		"image":           image,
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}

	var newResp struct {
		RequestID string `json:"request_id"`
	}
	newErr := c.postJSON(ctx, "/videos", req.APIKey, payload, &newResp)
	if newErr == nil && newResp.RequestID != "" {
		return newResp.RequestID, nil
	}

	log.Warn("video submission on current contract failed, trying legacy contract",
		slog.Any("error", newErr))

	legacyPayload := map[string]any{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"negative_prompt": req.NegativePrompt,
		"image_size":      req.Size,
		"image":           image,
	}
	if req.Seed != nil {
		legacyPayload["seed"] = *req.Seed
	}

	var legacyResp struct {
		RequestID string `json:"requestId"`
	}
	if err := c.postJSON(ctx, "/video/submit", req.APIKey, legacyPayload, &legacyResp); err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrSubmission, err)
	}
	if legacyResp.RequestID == "" {
		return "", fmt.Errorf("%w: no request ID returned", media.ErrSubmission)
	}
	return legacyResp.RequestID, nil
}

// Poll implements media.Service.Poll.
func (c *Client) Poll(ctx context.Context, jobID, apiKey string) (media.PollResult, error) {
	var resp videoStatusResponse
	payload := map[string]string{"requestId": jobID}
	if err := c.postJSON(ctx, "/video/status", apiKey, payload, &resp); err != nil {
		return media.PollResult{}, fmt.Errorf("%w: %v", media.ErrStatusCheck, err)
	}

	switch resp.Status {
	case "Succeed":
		if len(resp.Results.Videos) == 0 || resp.Results.Videos[0].URL == "" {
			return media.PollResult{}, fmt.Errorf(
				"%w: succeeded but no video URL in response", media.ErrStatusCheck)
		}
		return media.PollResult{
			State: media.PollDone,
			URL:   resp.Results.Videos[0].URL,
			Seed:  resp.Results.Seed,
		}, nil
	case "Failed", "failed":
		reason := resp.Reason
		if reason == "" {
			reason = "unknown reason"
		}
		return media.PollResult{State: media.PollFailed, Reason: reason}, nil
	case "InQueue", "InProgress":
		return media.PollResult{State: media.PollPending}, nil
	default:
		c.logger.Warn("unknown video status, treating as pending",
			slog.String("job_id", jobID),
			slog.String("status", resp.Status))
		return media.PollResult{State: media.PollPending}, nil
	}
}

// Fetch implements media.Service.Fetch. The video is streamed to a uniquely
// named file in outputDir; an empty download is removed and reported as an
// error so the caller can retry.
func (c *Client) Fetch(ctx context.Context, url, outputDir string) (string, error) {
	log := logger.FromContextOrDefault(ctx, c.logger)

	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("%w: invalid URL %q", media.ErrDownload, url)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrDownload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrDownload, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", media.ErrDownload, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "video/") &&
		!strings.HasPrefix(contentType, "application/octet-stream") {
		log.Warn("unexpected content type for video download",
			slog.String("content_type", contentType))
	}

	name := fmt.Sprintf("video_%s_%s.mp4",
		time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
	outputPath := filepath.Join(outputDir, name)

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", media.ErrDownload, err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil || closeErr != nil || written == 0 {
		os.Remove(outputPath)
		if err == nil {
			err = closeErr
		}
		if err == nil {
			err = fmt.Errorf("downloaded file is empty")
		}
		return "", fmt.Errorf("%w: %v", media.ErrDownload, err)
	}

	log.Info("video downloaded",
		slog.String("path", outputPath),
		slog.Int64("bytes", written))
	return outputPath, nil
}

// CheckKey implements media.Service.CheckKey using the lightweight model-list
// endpoint.
func (c *Client) CheckKey(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.resolveKey(apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return media.ErrInvalidCredential
	default:
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
}

// postJSON sends a JSON POST to the given API path and decodes the JSON
// response into out. Non-2xx responses are returned as errors with the
// response body included for diagnosis.
func (c *Client) postJSON(ctx context.Context, path, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.resolveKey(apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) resolveKey(apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	return c.defaultKey
}

// chatCompletionResponse holds the subset of the chat completion reply the
// pipeline reads.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// videoStatusResponse holds the subset of the video status reply the pipeline
// reads.
type videoStatusResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Results struct {
		Videos []struct {
			URL string `json:"url"`
		} `json:"videos"`
		Seed int64 `json:"seed"`
	} `json:"results"`
}

func parseSize(size string) (int, int, error) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size %q, expected WIDTHxHEIGHT", size)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width in size %q", size)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height in size %q", size)
	}
	return width, height, nil
}

func encodeImageDataURL(imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", imagePath, err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
