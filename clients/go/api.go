package iotguardgo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Do sends req through the gateway. Transport failures are returned as
// network errors; every response, whatever its status, is returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("request failed", err)
	}
	return resp, nil
}

// newRequest builds a request for path. body may be nil, an io.Reader sent
// verbatim, or any value encoded as JSON.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	target := c.URL(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	isJSON := false
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		jsonData, err := json.Marshal(b)
		if err != nil {
			return nil, NewErrorWithCause(ErrorTypeValidation, "failed to marshal request body", err)
		}
		reader = bytes.NewReader(jsonData)
		isJSON = true
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeValidation, "failed to create request", err)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Get performs a GET request to the specified path
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return c.send(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request to the specified path
func (c *Client) Post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, path, nil, body)
}

// Put performs a PUT request to the specified path
func (c *Client) Put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPut, path, nil, body)
}

// Delete performs a DELETE request to the specified path
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

// GetJSON performs a GET request and decodes a successful response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON posts body as JSON and decodes a successful response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, nil, body, out)
}

// PutJSON puts body as JSON and decodes a successful response into out.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, nil, body, out)
}

// DeleteJSON performs a DELETE request and decodes a successful response into out.
func (c *Client) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp, fmt.Sprintf("%s %s failed", method, path)); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return NewErrorWithCause(ErrorTypeAPI, "failed to decode response", err)
	}
	return nil
}

// checkResponse turns a non-2xx response into a typed error. A 401 that left
// the session cleared is marked with ErrSessionEnded.
func (c *Client) checkResponse(resp *http.Response, message string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := WrapHTTPError(resp, message)
	if resp.StatusCode == http.StatusUnauthorized && !c.IsAuthenticated() {
		err.Cause = ErrSessionEnded
	}
	return err
}

// Envelope is the list response shape shared by the domain collections:
// {"<plural>": [...], "total": n, "limit": n, "offset": n}. Items are kept
// undecoded; their shape belongs to the domain layer.
type Envelope struct {
	Resource string
	Items    []json.RawMessage
	Total    int
	Limit    int
	Offset   int
}

// List fetches the collection at /<plural>, e.g. "zones" or "evidences".
func (c *Client) List(ctx context.Context, plural string, query url.Values) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := c.GetJSON(ctx, "/"+plural, query, &raw); err != nil {
		return nil, err
	}
	return parseEnvelope(plural, raw)
}

func parseEnvelope(plural string, raw map[string]json.RawMessage) (*Envelope, error) {
	items, ok := raw[plural]
	if !ok {
		return nil, NewAPIError(fmt.Sprintf("response has no %q collection", plural), http.StatusOK)
	}

	env := &Envelope{Resource: plural}
	if err := json.Unmarshal(items, &env.Items); err != nil {
		return nil, NewErrorWithCause(ErrorTypeAPI, fmt.Sprintf("malformed %q collection", plural), err)
	}
	for key, dst := range map[string]*int{"total": &env.Total, "limit": &env.Limit, "offset": &env.Offset} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return nil, NewErrorWithCause(ErrorTypeAPI, fmt.Sprintf("malformed %q field", key), err)
			}
		}
	}
	if _, ok := raw["total"]; !ok {
		env.Total = len(env.Items)
	}
	return env, nil
}

// DecodeItems decodes every item of env into T.
func DecodeItems[T any](env *Envelope) ([]T, error) {
	out := make([]T, 0, len(env.Items))
	for i, item := range env.Items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, NewErrorWithCause(ErrorTypeAPI, fmt.Sprintf("failed to decode %s item %d", env.Resource, i), err)
		}
		out = append(out, v)
	}
	return out, nil
}
