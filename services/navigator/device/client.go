// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package device bridges the execution engine to a device controller
// service over HTTP. The controller is whatever drives the physical
// hardware (an ADB gateway, an IR blaster daemon, a set-top-box test
// harness); this package only speaks its JSON API.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
	"github.com/screentrail/screentrail/services/navigator/execution"
)

// DefaultTimeout is the default timeout for one controller request.
// Verification specs carry their own per-check timeouts on top of this.
const DefaultTimeout = 30 * time.Second

// Client wraps calls to the device controller service.
//
// # Description
//
// Client implements both sides of the execution engine's device contract:
// it sends action commands to POST /execute and verification checks to
// POST /verify. One client drives one device; the controller multiplexes
// devices by the device id baked into its base URL or auth token.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a controller client for the given base URL
// (e.g. "http://localhost:9010/v1/device/stb-42").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithTimeout sets a custom timeout for controller requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithHTTPClient replaces the underlying HTTP client, for instrumented
// transports.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

var (
	_ execution.ActionExecutor = (*Client)(nil)
	_ execution.Verifier       = (*Client)(nil)
)

// executeRequest is the request body for the /execute endpoint.
type executeRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

// executeResponse is the response from the /execute endpoint.
type executeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// verifyRequest is the request body for the /verify endpoint.
type verifyRequest struct {
	Kind      string            `json:"kind"`
	Params    map[string]string `json:"params,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

// verifyResponse is the response from the /verify endpoint.
type verifyResponse struct {
	Passed      bool   `json:"passed"`
	Details     string `json:"details,omitempty"`
	SnapshotURL string `json:"snapshot_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Execute sends one action command to the controller.
//
// Outputs:
//
//	error - Non-nil when the controller is unreachable, rejects the
//	        command, or reports it failed on the device. The engine
//	        decides whether to retry; Execute itself never does, so
//	        retried commands reach the device exactly as often as the
//	        engine intends.
func (c *Client) Execute(ctx context.Context, action datatypes.Action) error {
	var resp executeResponse
	if err := c.post(ctx, "/execute", executeRequest{
		Command: action.Command,
		Params:  action.Params,
	}, &resp); err != nil {
		return fmt.Errorf("device execute %q: %w", action.Command, err)
	}
	if !resp.OK {
		return fmt.Errorf("device execute %q: %s", action.Command, resp.Error)
	}
	return nil
}

// Verify asks the controller to evaluate one verification check.
//
// A failed check is not an error: the result comes back with
// Passed=false and the controller's explanation in Details. Errors are
// reserved for transport and controller failures.
func (c *Client) Verify(ctx context.Context, spec datatypes.Verification) (execution.VerifyResult, error) {
	var resp verifyResponse
	if err := c.post(ctx, "/verify", verifyRequest{
		Kind:      spec.Kind,
		Params:    spec.Params,
		TimeoutMs: spec.TimeoutMs,
	}, &resp); err != nil {
		return execution.VerifyResult{}, fmt.Errorf("device verify %q: %w", spec.Kind, err)
	}
	if resp.Error != "" {
		return execution.VerifyResult{}, fmt.Errorf("device verify %q: %s", spec.Kind, resp.Error)
	}
	return execution.VerifyResult{
		Passed:      resp.Passed,
		Details:     resp.Details,
		SnapshotURL: resp.SnapshotURL,
	}, nil
}

// Health checks that the controller is reachable and has a device
// attached.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("device controller unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("device controller unhealthy: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
