package agent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/replicante-io/replicore"
)

func TestInfoDecodesAgentResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/info" {
			t.Errorf("request path = %s, want /api/v1/info", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"agent": {"version": {"number": "1.4.0", "checkout": "abc123", "taint": "not tainted"}},
			"datastore": {"id": "node-1", "kind": "mongodb", "version": "6.0.4"}
		}`) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	client := NewHTTPClients().Client(srv.URL)
	info, err := client.Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Agent.Version.Number != "1.4.0" {
		t.Fatalf("agent version = %q, want 1.4.0", info.Agent.Version.Number)
	}

	converted := info.AgentInfo()
	if converted.DatastoreKind != "mongodb" || converted.Checkout != "abc123" {
		t.Fatalf("AgentInfo() = %+v, not converted from wire form", converted)
	}
}

func TestActionInfoNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClients().Client(srv.URL)
	if _, err := client.ActionInfo(context.Background(), "act_missing"); !errors.Is(err, replicore.ErrActionNotFound) {
		t.Fatalf("ActionInfo() error = %v, want ErrActionNotFound", err)
	}
}

func TestRequestSigning(t *testing.T) {
	key := []byte("shared-secret")
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(SignatureHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"shards": []}`) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	client := NewHTTPClients(WithSigningKey(key)).Client(srv.URL)
	if _, err := client.Shards(context.Background()); err != nil {
		t.Fatalf("Shards() error = %v", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("GET\n/api/v1/shards\n"))
	want := hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
}

func TestUnsignedWhenNoKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(SignatureHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"shards": []}`) //nolint:errcheck // test handler
	}))
	defer srv.Close()

	client := NewHTTPClients().Client(srv.URL)
	if _, err := client.Shards(context.Background()); err != nil {
		t.Fatalf("Shards() error = %v", err)
	}
	if got != "" {
		t.Fatalf("unsigned request carried signature %q", got)
	}
}
