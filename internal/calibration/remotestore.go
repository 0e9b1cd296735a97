package calibration

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RemoteStore backs calibration persistence with a small HTTP key/value
// service, for fleets that centralize calibration across many devices
// instead of keeping it device-local. Adapted from the reference
// service's ASGARD HTTP client pattern (internal/integration): a base URL,
// a bearer token, and a shared *http.Client with a bounded timeout.
type RemoteStore struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewRemoteStore constructs a RemoteStore with a sane default timeout.
func NewRemoteStore(baseURL, apiKey string) *RemoteStore {
	return &RemoteStore{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *RemoteStore) request(ctx context.Context, method, key string, body []byte) (*http.Response, error) {
	url := r.BaseURL + "/kv/" + key
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	return r.Client.Do(req)
}

// Get fetches key from the remote store. A 404 response is reported as
// (nil, false, nil) — the same "absent, not an error" contract as
// FileStore.
func (r *RemoteStore) Get(key string) ([]byte, bool, error) {
	resp, err := r.request(context.Background(), http.MethodGet, key, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, io.ErrUnexpectedEOF
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores value under key.
func (r *RemoteStore) Set(key string, value []byte) error {
	resp, err := r.request(context.Background(), http.MethodPut, key, value)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Remove deletes key from the remote store.
func (r *RemoteStore) Remove(key string) error {
	resp, err := r.request(context.Background(), http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
