package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGetJSONDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/prices" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"prices":{"ETH":"2500"}}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", time.Second, zap.NewNop())
	var out struct {
		Prices map[string]string `json:"prices"`
	}
	if err := client.GetJSON(context.Background(), "/prices", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Prices["ETH"] != "2500" {
		t.Fatalf("expected ETH 2500, got %v", out.Prices)
	}
}

func TestPostJSONSendsBodyAndReportsStatus(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("nope"))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, nil)
	err := client.PostJSON(context.Background(), "/x", map[string]string{"a": "b"}, nil)
	if err == nil || !strings.Contains(err.Error(), "http 418: nope") {
		t.Fatalf("expected http 418 error, got %v", err)
	}
	if got["a"] != "b" {
		t.Fatalf("expected posted body, got %v", got)
	}
}
