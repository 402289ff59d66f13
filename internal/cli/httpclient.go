package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// TenantHeader carries the caller's tenant on every tenant scoped request.
const TenantHeader = "X-Tenant-ID"

// HTTPError represents an error response from the server with a status code
type HTTPError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *HTTPError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	return e.Message
}

// HTTPClient makes requests to the ETL server
type HTTPClient struct {
	config     *Config
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client using the provided configuration
func NewHTTPClient(config *Config) *HTTPClient {
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout()},
	}
}

// RequestOptions contains options for making HTTP requests
type RequestOptions struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Body        []byte
	// BodyReader replaces Body when set; ContentType must then describe it.
	BodyReader  io.Reader
	ContentType string
}

// DoRequest makes an HTTP request with the given options and returns the body and
// Location header.
func (c *HTTPClient) DoRequest(ctx context.Context, opts RequestOptions) ([]byte, string, error) {
	u, err := url.Parse(c.config.GetServerURL())
	if err != nil {
		return nil, "", fmt.Errorf("invalid server URL: %v", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = path.Join(u.Path, opts.Path)

	q := u.Query()
	for k, v := range opts.QueryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	body := opts.BodyReader
	if body == nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, u.String(), body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %v", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if c.config.TenantID != "" {
		req.Header.Set(TenantHeader, c.config.TenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	rspBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode >= 400 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: string(rspBody)}
		if gjson.ValidBytes(rspBody) {
			if msg := gjson.GetBytes(rspBody, "error").String(); msg != "" {
				httpErr.Message = msg
				httpErr.Reason = gjson.GetBytes(rspBody, "reason").String()
			}
		}
		return nil, "", httpErr
	}

	return rspBody, resp.Header.Get("Location"), nil
}

func (c *HTTPClient) Get(ctx context.Context, p string, queryParams map[string]string) ([]byte, error) {
	body, _, err := c.DoRequest(ctx, RequestOptions{Method: http.MethodGet, Path: p, QueryParams: queryParams})
	return body, err
}

func (c *HTTPClient) Post(ctx context.Context, p string, data []byte) ([]byte, error) {
	body, _, err := c.DoRequest(ctx, RequestOptions{Method: http.MethodPost, Path: p, Body: data})
	return body, err
}

func (c *HTTPClient) Delete(ctx context.Context, p string, queryParams map[string]string) ([]byte, error) {
	body, _, err := c.DoRequest(ctx, RequestOptions{Method: http.MethodDelete, Path: p, QueryParams: queryParams})
	return body, err
}

// Upload streams file as the "file" part of a multipart form along with fields.
func (c *HTTPClient) Upload(ctx context.Context, file string, fields map[string][]string) ([]byte, string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, "", fmt.Errorf("unable to open %s: %v", file, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, filepath.Base(file), fields))
	}()
	body, location, err := c.DoRequest(ctx, RequestOptions{
		Method:      http.MethodPost,
		Path:        "uploads",
		BodyReader:  pr,
		ContentType: mw.FormDataContentType(),
	})
	// unblocks the writer if the request ended before the body was consumed
	pr.CloseWithError(errors.New("request finished"))
	return body, location, err
}

func writeForm(mw *multipart.Writer, src io.Reader, filename string, fields map[string][]string) error {
	for k, values := range fields {
		for _, v := range values {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}
