package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsloop/operator/pkg/config"
)

const (
	httpDefaultTimeout = 15 * time.Second
	httpMaxTimeout     = 60 * time.Second
	httpMaxBody        = 64 * 1024
)

// NewHTTPTool builds the http tool. GET and HEAD are always allowed; other
// methods require execute safety mode.
func NewHTTPTool(mode config.SafetyMode) *Tool {
	return &Tool{
		Name:        "http",
		Description: "Issue an HTTP request (e.g. against the subject's API) and return status plus body. GET and HEAD only in observe mode.",
		Params: []ParamSpec{
			{Name: "url", Type: "string", Description: "Request URL", Required: true},
			{Name: "method", Type: "string", Description: "HTTP method (default GET)"},
			{Name: "body", Type: "string", Description: "Request body for mutating methods"},
			{Name: "timeout_sec", Type: "int", Description: "Wall-clock timeout in seconds (max 60, default 15)"},
		},
		Mutating:       true,
		ObservePermits: httpObservePermits,
		Execute:        executeHTTP,
	}
}

func httpObservePermits(params map[string]any) error {
	method := httpMethod(params)
	if method == http.MethodGet || method == http.MethodHead {
		return nil
	}
	return fmt.Errorf("method %s mutates state and safety mode is observe", method)
}

func executeHTTP(ctx context.Context, params map[string]any) (*Result, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url must not be empty")
	}
	method := httpMethod(params)

	var bodyReader io.Reader
	if body, _ := params["body"].(string); body != "" {
		bodyReader = strings.NewReader(body)
	}

	timeout := executionTimeout(params, httpDefaultTimeout, httpMaxTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		// Connection failures surface as non-zero results so the model
		// can react instead of the session failing.
		return &Result{ExitCode: 1, Output: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxBody))
	if err != nil {
		return &Result{ExitCode: 1, Output: fmt.Sprintf("failed to read body: %v", err)}, nil
	}

	// Exit code surrogate: 0 for 2xx, status class otherwise.
	exitCode := 0
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		exitCode = resp.StatusCode / 100
	}
	return &Result{
		ExitCode: exitCode,
		Output:   fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(body)),
	}, nil
}

func httpMethod(params map[string]any) string {
	method, _ := params["method"].(string)
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}
