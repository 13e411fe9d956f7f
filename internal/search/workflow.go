package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xaenox/lexrelay/internal/retry"
	"go.uber.org/zap"
)

const (
	DefaultURL         = "https://api.dify.ai/v1/workflows/run"
	DefaultInputField  = "Question"
	DefaultOutputField = "text"

	statusSucceeded = "succeeded"
	statusFailed    = "failed"

	maxErrorBody = 4 << 10
)

// Result of a search. Found is false when the workflow succeeded without output.
type Result struct {
	Output string
	Found  bool
}

// Searcher runs a knowledge search on behalf of a user.
type Searcher interface {
	Search(ctx context.Context, query, userID string) (Result, error)
}

type Config struct {
	APIKey      string
	URL         string
	InputField  string
	OutputField string
	Retry       retry.Policy
}

// WorkflowClient calls a blocking workflow-run endpoint.
type WorkflowClient struct {
	httpClient  *http.Client
	apiKey      string
	url         string
	inputField  string
	outputField string
	policy      retry.Policy
	logger      *zap.Logger
}

func NewWorkflowClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *WorkflowClient {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.InputField == "" {
		cfg.InputField = DefaultInputField
	}
	if cfg.OutputField == "" {
		cfg.OutputField = DefaultOutputField
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowClient{
		httpClient:  httpClient,
		apiKey:      cfg.APIKey,
		url:         cfg.URL,
		inputField:  cfg.InputField,
		outputField: cfg.OutputField,
		policy:      cfg.Retry,
		logger:      logger,
	}
}

type workflowRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
}

type workflowResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          struct {
		Status  string                     `json:"status"`
		Outputs map[string]json.RawMessage `json:"outputs"`
		Error   string                     `json:"error"`
	} `json:"data"`
}

// Search runs the workflow with query and returns its output text.
func (c *WorkflowClient) Search(ctx context.Context, query, userID string) (Result, error) {
	body, err := json.Marshal(workflowRequest{
		Inputs:       map[string]string{c.inputField: query},
		ResponseMode: "blocking",
		User:         userID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode search request: %w", err)
	}

	return retry.Do(ctx, c.policy, "search", func(ctx context.Context) (Result, error) {
		return c.run(ctx, body)
	}, retry.WithLogger(c.logger))
}

func (c *WorkflowClient) run(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("failed to build search request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Result{}, retry.Permanent(err)
		}
		return Result{}, err
	}

	var out workflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to decode search response: %w", err)
	}

	switch out.Data.Status {
	case statusSucceeded:
		text := c.outputText(out.Data.Outputs)
		c.logger.Debug("Search succeeded",
			zap.String("workflow_run_id", out.WorkflowRunID),
			zap.Bool("found", text != ""))
		return Result{Output: text, Found: text != ""}, nil
	case statusFailed:
		msg := out.Data.Error
		if msg == "" {
			msg = "unknown error"
		}
		return Result{}, fmt.Errorf("search workflow failed: %s", msg)
	default:
		return Result{}, errors.New("search workflow returned unexpected status " + out.Data.Status)
	}
}

// outputText reads the configured output field. Non-string values are kept as raw JSON.
func (c *WorkflowClient) outputText(outputs map[string]json.RawMessage) string {
	raw, ok := outputs[c.outputField]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
