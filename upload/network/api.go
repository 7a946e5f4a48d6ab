package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/citeqa/client/auth"
	"github.com/hashicorp/go-retryablehttp"
)

// APIClient talks to the backend's multipart-upload REST endpoints.
type APIClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	tokens     auth.TokenSource
	logger     log.Logger
}

// NewAPIClient creates a client for the API rooted at baseURL (e.g.
// https://host/api). Requests are sent exactly once.
func NewAPIClient(baseURL string, tokens auth.TokenSource, logger log.Logger) *APIClient {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &APIClient{
		httpClient: NewHTTPClient(logger),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

// NewHTTPClient returns a retryablehttp client that never retries and hands
// non-2xx responses back to the caller instead of turning them into errors.
func NewHTTPClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// InitUpload starts a multipart upload on the backend.
func (c *APIClient) InitUpload(ctx context.Context, request InitRequest) (InitResponse, error) {
	var response InitResponse
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/files/multipart/init", request, &response)
	if err != nil {
		return InitResponse{}, &InitError{Name: request.Name, Err: err}
	}
	if response.FileID == "" || response.UploadID == "" {
		return InitResponse{}, &InitError{Name: request.Name, Err: fmt.Errorf("response is missing file_id or upload_id")}
	}
	return response, nil
}

// UploadPart sends the raw chunk bytes as the request body.
func (c *APIClient) UploadPart(ctx context.Context, fileID, uploadID string, partNumber int, data []byte) (PartResponse, error) {
	endpoint := fmt.Sprintf("%s/files/multipart/%s/%s/%d", c.baseURL, url.PathEscape(fileID), url.PathEscape(uploadID), partNumber)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, data)
	if err != nil {
		return PartResponse{}, &PartUploadError{PartNumber: partNumber, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	if err := c.authorize(ctx, req); err != nil {
		return PartResponse{}, &PartUploadError{PartNumber: partNumber, Err: err}
	}

	c.logger.Debugf("Uploading part %d (%d bytes) to %s", partNumber, len(data), endpoint)

	var response PartResponse
	if err := c.do(req, &response); err != nil {
		return PartResponse{}, &PartUploadError{PartNumber: partNumber, Err: err}
	}
	if response.PartNumber == 0 {
		response.PartNumber = partNumber
	}
	return response, nil
}

// CompleteUpload asks the backend to assemble the uploaded parts.
func (c *APIClient) CompleteUpload(ctx context.Context, fileID, uploadID string) (CompleteResponse, error) {
	endpoint := fmt.Sprintf("%s/files/multipart/%s/%s/complete", c.baseURL, url.PathEscape(fileID), url.PathEscape(uploadID))

	var response CompleteResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, &response); err != nil {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: err}
	}
	return response, nil
}

// AbortUpload discards the multipart upload and its stored parts.
func (c *APIClient) AbortUpload(ctx context.Context, fileID, uploadID string) (AbortResponse, error) {
	endpoint := fmt.Sprintf("%s/files/multipart/%s/%s", c.baseURL, url.PathEscape(fileID), url.PathEscape(uploadID))

	var response AbortResponse
	if err := c.doJSON(ctx, http.MethodDelete, endpoint, nil, &response); err != nil {
		return AbortResponse{}, &AbortError{UploadID: uploadID, Err: err}
	}
	return response, nil
}

// UploadStatus reports the parts the backend already stored.
func (c *APIClient) UploadStatus(ctx context.Context, fileID, uploadID string) (StatusResponse, error) {
	endpoint := fmt.Sprintf("%s/files/multipart/%s/%s/status", c.baseURL, url.PathEscape(fileID), url.PathEscape(uploadID))

	var response StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return StatusResponse{}, fmt.Errorf("upload status %s: %w", uploadID, err)
	}
	return response, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, endpoint string, requestBody interface{}, response interface{}) error {
	var body interface{}
	if requestBody != nil {
		b, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		body = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Dumped before the token is attached.
	dump, err := httputil.DumpRequest(req.Request, requestBody != nil)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	return c.do(req, response)
}

func (c *APIClient) do(req *retryablehttp.Request, response interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *APIClient) authorize(ctx context.Context, req *retryablehttp.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}
