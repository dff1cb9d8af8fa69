package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// errUnauthorized means the token was rejected; the agent must re-register.
	errUnauthorized = errors.New("unauthorized")
	// errConflict means the server already has a terminal answer. Callers
	// treat it like success so retry loops stay idempotent.
	errConflict = errors.New("conflict")
)

// client talks to the idlewatch server with the agent's bearer token.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	case resp.StatusCode >= 400:
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *client) postJSON(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func readErrorMessage(body io.Reader) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e); err != nil || e.Error == "" {
		return "no details"
	}
	return e.Error
}

// register enrolls the machine and installs the returned token on the client.
func (c *client) register(ctx context.Context, cfg *Config) (*credentials, error) {
	payload := map[string]any{
		"mac_address": cfg.MACAddress,
		"hostname":    cfg.Hostname,
		"os_type":     cfg.OSType,
		"os_version":  cfg.OSVersion,
	}

	var out struct {
		MachineID int64  `json:"machine_id"`
		Token     string `json:"token"`
		Created   bool   `json:"created"`
	}
	if err := c.postJSON(ctx, "/api/agents/register", payload, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("server returned no token")
	}

	c.token = out.Token
	return &credentials{MachineID: out.MachineID, Token: out.Token}, nil
}
