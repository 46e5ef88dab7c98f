//go:build integration && linux

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type testClient struct {
	baseURL string
	client  *http.Client
}

func newTestClient(baseURL string) *testClient {
	return &testClient{baseURL: baseURL, client: &http.Client{}}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, c.baseURL+path, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) publish(t *testing.T, name string, image []byte) *http.Response {
	t.Helper()
	return c.doRequest(t, "POST", "/api/new", bytes.NewReader(image), map[string]string{"X-Image-Name": name})
}

func (c *testClient) ip(t *testing.T, name string) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "GET", fmt.Sprintf("/api/ip/%s", name), nil, nil)
	return decodeResponse(t, resp)
}

func (c *testClient) list(t *testing.T) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "GET", "/api/list", nil, nil)
	return decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}
