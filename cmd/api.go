package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"groupfeed/server"
)

// apiClient talks to a running groupfeed server
type apiClient struct {
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &fasthttp.Client{
			Name: defaultUserAgent,
		},
		timeout: 10 * time.Second,
	}
}

func (a *apiClient) do(method, path string, body []byte, out interface{}) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseURL + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := a.client.DoTimeout(req, resp, a.timeout); err != nil {
		return fmt.Errorf("error calling %s: %w", path, err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode(), apiErr.Error)
		}
		return fmt.Errorf("%s failed with status %d", path, resp.StatusCode())
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", path, err)
	}
	return nil
}

func (a *apiClient) groups() ([]server.GroupView, error) {
	var groups []server.GroupView
	if err := a.do(fasthttp.MethodGet, "/groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (a *apiClient) transfer(request server.TransferRequest) (server.TransferResponse, error) {
	var response server.TransferResponse
	body, err := json.Marshal(request)
	if err != nil {
		return response, err
	}
	err = a.do(fasthttp.MethodPost, "/transfer", body, &response)
	return response, err
}
