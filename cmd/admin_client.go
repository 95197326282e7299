package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

// adminClient calls the /v1 operator API of a running gateway, using
// the same config file the gateway was started with for the address
// and token.
type adminClient struct {
	base   string
	token  string
	client *http.Client
}

func newAdminClient() *adminClient {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return &adminClient{
		base:   fmt.Sprintf("http://%s:%d", loopbackHost(cfg.Gateway.Host), cfg.Gateway.Port),
		token:  cfg.Gateway.Token,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// loopbackHost maps wildcard bind addresses to a dialable loopback.
func loopbackHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func (a *adminClient) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.base+path, reqBody)
	if err != nil {
		return err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", a.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d from %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (a *adminClient) get(path string, out any) error {
	return a.do(http.MethodGet, path, nil, out)
}

func (a *adminClient) post(path string, body, out any) error {
	return a.do(http.MethodPost, path, body, out)
}

func (a *adminClient) put(path string, body, out any) error {
	return a.do(http.MethodPut, path, body, out)
}

func (a *adminClient) del(path string, out any) error {
	return a.do(http.MethodDelete, path, nil, out)
}
