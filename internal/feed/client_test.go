package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient(t *testing.T, server *httptest.Server, mutate func(*ClientOptions)) *Client {
	t.Helper()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	opts := ClientOptions{
		Host:     u.Hostname(),
		Port:     port,
		Database: "orders",
	}
	if mutate != nil {
		mutate(&opts)
	}

	client, err := NewClient(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestClientRequestShape(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Write([]byte("{\"last_seq\":\"0\"}\n"))
	}))
	defer server.Close()

	client := testClient(t, server, func(o *ClientOptions) {
		o.Heartbeat = 2 * time.Second
	})

	body, err := client.Open(context.Background(), "42")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	io.Copy(io.Discard, body)
	body.Close()

	if gotPath != "/orders/_changes" {
		t.Errorf("expected path /orders/_changes, got %s", gotPath)
	}
	if gotQuery.Get("feed") != "continuous" {
		t.Errorf("expected feed=continuous, got %q", gotQuery.Get("feed"))
	}
	if gotQuery.Get("include_docs") != "true" {
		t.Errorf("expected include_docs=true, got %q", gotQuery.Get("include_docs"))
	}
	if gotQuery.Get("since") != "42" {
		t.Errorf("expected since=42, got %q", gotQuery.Get("since"))
	}
	if gotQuery.Get("heartbeat") != "2000" {
		t.Errorf("expected heartbeat=2000, got %q", gotQuery.Get("heartbeat"))
	}
	if gotQuery.Has("timeout") {
		t.Error("expected no timeout parameter when only heartbeat is set")
	}
}

func TestClientTimeoutSupersedesHeartbeat(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
	}))
	defer server.Close()

	client := testClient(t, server, func(o *ClientOptions) {
		o.Heartbeat = time.Second
		o.Timeout = 30 * time.Second
	})

	body, err := client.Open(context.Background(), "0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body.Close()

	if gotQuery.Get("timeout") != "30000" {
		t.Errorf("expected timeout=30000, got %q", gotQuery.Get("timeout"))
	}
	if gotQuery.Has("heartbeat") {
		t.Error("heartbeat and timeout are mutually exclusive; heartbeat was sent")
	}
}

func TestClientDefaultSinceAndHeartbeat(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
	}))
	defer server.Close()

	client := testClient(t, server, nil)

	body, err := client.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body.Close()

	if gotQuery.Get("since") != "0" {
		t.Errorf("expected since=0 by default, got %q", gotQuery.Get("since"))
	}
	if gotQuery.Get("heartbeat") != "1000" {
		t.Errorf("expected default heartbeat=1000, got %q", gotQuery.Get("heartbeat"))
	}
}

func TestClientCredentialsAsUserinfo(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := testClient(t, server, func(o *ClientOptions) {
		o.Username = "admin"
		o.Password = "hunter2"
	})

	body, err := client.Open(context.Background(), "0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body.Close()

	// URL userinfo surfaces as basic auth on the request.
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Errorf("expected basic auth from userinfo, got %q", gotAuth)
	}
}

func TestClientNoCredentialsWithoutBoth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := testClient(t, server, func(o *ClientOptions) {
		o.Username = "admin" // password missing
	})

	body, err := client.Open(context.Background(), "0")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body.Close()

	if gotAuth != "" {
		t.Errorf("expected no auth header with incomplete credentials, got %q", gotAuth)
	}
}

func TestClientDatabaseNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found","reason":"no_db_file"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(t, server, nil)

	_, err := client.Open(context.Background(), "0")
	if !errors.Is(err, ErrDatabaseNotFound) {
		t.Fatalf("expected ErrDatabaseNotFound, got %v", err)
	}
}

func TestClientUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(t, server, nil)

	_, err := client.Open(context.Background(), "0")
	if err == nil {
		t.Fatal("expected error on 500")
	}
	if errors.Is(err, ErrDatabaseNotFound) {
		t.Fatal("500 must not map to ErrDatabaseNotFound")
	}
}
