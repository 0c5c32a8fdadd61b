// Package api holds the request and response types of the tryon HTTP
// API and a small client over them.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Client talks to a tryon server.
type Client struct {
	base url.URL
	http *http.Client
}

func NewClient(hosts ...string) *Client {
	host := "127.0.0.1:11500"
	if len(hosts) > 0 {
		host = hosts[0]
	}

	return &Client{
		base: url.URL{Scheme: "http", Host: host},
		http: http.DefaultClient,
	}
}

// ClientFromEnvironment builds a client for the host named by
// TRYON_HOST, defaulting to http://127.0.0.1:11500.
func ClientFromEnvironment() (*Client, error) {
	defaultPort := "11500"

	scheme, hostport, ok := strings.Cut(os.Getenv("TRYON_HOST"), "://")
	switch {
	case !ok:
		scheme, hostport = "http", os.Getenv("TRYON_HOST")
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport = strings.TrimRight(hostport, "/")

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	return &Client{
		base: url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)},
		http: http.DefaultClient,
	}, nil
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

	requestURL := c.base.JoinPath(path)
	if query != nil {
		requestURL.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), body)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

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
		apiError := Error{Code: int32(response.StatusCode)}

		var failure struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(bts, &failure); err == nil {
			apiError.Message = failure.Error
		}

		return apiError
	}

	if respData != nil {
		return json.Unmarshal(bts, respData)
	}

	return nil
}

// Synthesize runs one clip through a served model.
func (c *Client) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	var resp SynthesizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/synthesize", nil, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Show fetches a served model's metadata.
func (c *Client) Show(ctx context.Context, model string) (*ShowResponse, error) {
	var resp ShowResponse
	query := url.Values{"model": {model}}
	if err := c.do(ctx, http.MethodGet, "/api/show", query, nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Version reports the server's version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/version", nil, nil, &resp); err != nil {
		return "", err
	}

	return resp.Version, nil
}

// Heartbeat checks the server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil, nil)
}
