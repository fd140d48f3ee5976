package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/version"
)

// Client talks to a van server.
type Client struct {
	base *url.URL
	http *http.Client
}

// ClientFromEnvironment creates a client for the server at VAN_HOST.
func ClientFromEnvironment() (*Client, error) {
	host, err := envconfig.Host()
	if err != nil {
		return nil, err
	}

	return NewClient(&url.URL{Scheme: "http", Host: host}, http.DefaultClient), nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bts)
	}

	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("van/%s", version.Version))

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	bts, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		apiError := StatusError{StatusCode: response.StatusCode, Status: response.Status}
		if err := json.Unmarshal(bts, &apiError); err != nil {
			apiError.ErrorMessage = string(bts)
		}
		return apiError
	}

	if respData != nil {
		return json.Unmarshal(bts, respData)
	}
	return nil
}

func (c *Client) Classify(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error) {
	var resp ClassifyResponse
	if err := c.do(ctx, http.MethodPost, "/api/classify", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Show(ctx context.Context, req *ShowRequest) (*ShowResponse, error) {
	var resp ShowResponse
	query := url.Values{"model": {req.Model}}
	if err := c.do(ctx, http.MethodGet, "/api/show", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}
