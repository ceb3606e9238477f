package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dio/internal/model"
	"dio/pkg/logger"
)

const maxErrorBody = 4096

// HTTPClient talks to workers over JSON/HTTP: POST {address}/predict and
// GET {address}/health
type HTTPClient struct {
	httpClient *http.Client
}

// New creates a worker client. Deadlines come from the caller's context, the
// transport timeout only guards against a context without one.
func New(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Predict runs one inference on the worker at address
func (c *HTTPClient) Predict(ctx context.Context, address string, req *model.PredictRequest) (*model.PredictResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	respData, status, err := c.do(ctx, http.MethodPost, endpoint(address, "/predict"), body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &model.WorkerError{Address: address, StatusCode: status, Message: errorMessage(respData)}
	}

	var resp model.PredictResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, &model.WorkerError{Address: address, StatusCode: status, Message: fmt.Sprintf("invalid predict response: %v", err)}
	}
	if resp.Error != "" {
		return nil, &model.WorkerError{Address: address, Message: resp.Error}
	}
	return &resp, nil
}

// CheckHealth returns nil when the worker answers GET /health with 2xx
func (c *HTTPClient) CheckHealth(ctx context.Context, address string) error {
	respData, status, err := c.do(ctx, http.MethodGet, endpoint(address, "/health"), nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &model.WorkerError{Address: address, StatusCode: status, Message: errorMessage(respData)}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logger.TraceID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return respData, resp.StatusCode, nil
}

func endpoint(address, path string) string {
	address = strings.TrimRight(address, "/")
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	return address + path
}

func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return strings.TrimSpace(string(data))
}
