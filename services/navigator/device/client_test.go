// Copyright (C) 2025 ScreenTrail Labs (dev@screentrail.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/screentrail/screentrail/services/navigator/datatypes"
)

func TestClientExecute(t *testing.T) {
	t.Run("sends the command and params", func(t *testing.T) {
		var got executeRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/execute" {
				t.Errorf("request = %s %s, want POST /execute", r.Method, r.URL.Path)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decoding request: %v", err)
			}
			json.NewEncoder(w).Encode(executeResponse{OK: true})
		}))
		defer srv.Close()

		client := NewClient(srv.URL)
		err := client.Execute(context.Background(), datatypes.Action{
			Command: "press_ok",
			Params:  map[string]string{"hold_ms": "50"},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got.Command != "press_ok" {
			t.Errorf("command = %q, want press_ok", got.Command)
		}
		if got.Params["hold_ms"] != "50" {
			t.Errorf("params = %v, want hold_ms=50", got.Params)
		}
	})

	t.Run("controller rejection is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(executeResponse{OK: false, Error: "no device attached"})
		}))
		defer srv.Close()

		err := NewClient(srv.URL).Execute(context.Background(), datatypes.Action{Command: "press_ok"})
		if err == nil {
			t.Fatal("expected an error for ok=false")
		}
		if !strings.Contains(err.Error(), "no device attached") {
			t.Errorf("err = %v, want the controller's message", err)
		}
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := NewClient(srv.URL).Execute(context.Background(), datatypes.Action{Command: "press_ok"})
		if err == nil {
			t.Fatal("expected an error for status 500")
		}
		if !strings.Contains(err.Error(), "status 500") {
			t.Errorf("err = %v, want the status code in the message", err)
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := NewClient(srv.URL).Execute(ctx, datatypes.Action{Command: "press_ok"})
		if err == nil {
			t.Fatal("expected an error after the context deadline")
		}
	})
}

func TestClientVerify(t *testing.T) {
	t.Run("failed check is a result, not an error", func(t *testing.T) {
		var got verifyRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/verify" {
				t.Errorf("path = %s, want /verify", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decoding request: %v", err)
			}
			json.NewEncoder(w).Encode(verifyResponse{
				Passed:      false,
				Details:     "expected text not on screen",
				SnapshotURL: "snap://miss-1",
			})
		}))
		defer srv.Close()

		res, err := NewClient(srv.URL).Verify(context.Background(), datatypes.Verification{
			Kind:      "text_match",
			Params:    map[string]string{"text": "Settings"},
			TimeoutMs: 2000,
		})
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if res.Passed {
			t.Error("result should report the check failed")
		}
		if res.Details != "expected text not on screen" {
			t.Errorf("details = %q", res.Details)
		}
		if res.SnapshotURL != "snap://miss-1" {
			t.Errorf("snapshot = %q, want the controller's capture", res.SnapshotURL)
		}
		if got.Kind != "text_match" || got.TimeoutMs != 2000 {
			t.Errorf("request = %+v, want the spec forwarded verbatim", got)
		}
	})

	t.Run("passing check", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(verifyResponse{Passed: true})
		}))
		defer srv.Close()

		res, err := NewClient(srv.URL).Verify(context.Background(), datatypes.Verification{Kind: "icon_match"})
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !res.Passed {
			t.Error("result should report the check passed")
		}
	})

	t.Run("controller error field is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(verifyResponse{Error: "screenshot capture failed"})
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Verify(context.Background(), datatypes.Verification{Kind: "text_match"})
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(err.Error(), "screenshot capture failed") {
			t.Errorf("err = %v, want the controller's message", err)
		}
	})
}

func TestClientHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				t.Errorf("path = %s, want /health", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		if err := NewClient(srv.URL).Health(context.Background()); err != nil {
			t.Fatalf("Health: %v", err)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "device disconnected", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		err := NewClient(srv.URL).Health(context.Background())
		if err == nil {
			t.Fatal("expected an error for status 503")
		}
		if !strings.Contains(err.Error(), "device disconnected") {
			t.Errorf("err = %v, want the controller's body", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		if err := NewClient(srv.URL).Health(context.Background()); err == nil {
			t.Fatal("expected an error for a closed server")
		}
	})
}
