//go:build smoke

// Package smoke checks a running host relay. Run with:
//
//	API_BASE_URL=http://localhost:8080 go test -tags smoke ./test/smoke/...
package smoke

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	baseURL = strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/")
	client  = &http.Client{Timeout: 5 * time.Second}
)

func get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, body
}

func post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := client.Post(baseURL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	_ = resp.Body.Close()
	return resp
}

func TestHealth(t *testing.T) {
	resp, body := get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d: %s", resp.StatusCode, body)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("unexpected health body %q", body)
	}
}

func TestInfoMatchesPublicKey(t *testing.T) {
	resp, body := get(t, "/info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info returned %d", resp.StatusCode)
	}
	var info struct {
		Address   string `json:"address"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if !strings.HasPrefix(info.Address, "0x") || len(info.Address) != 42 {
		t.Fatalf("bad address %q", info.Address)
	}

	resp, body = get(t, "/publickey")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publickey returned %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(body)) != info.PublicKey {
		t.Fatalf("publickey %q does not match info %q", body, info.PublicKey)
	}
}

func TestAttest(t *testing.T) {
	resp, body := get(t, "/attest?nonce="+strings.Repeat("ab", 32))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("attest returned %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/cbor" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if len(body) == 0 {
		t.Fatal("empty attestation document")
	}

	resp, _ = get(t, "/attest?nonce=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short nonce returned %d, want 400", resp.StatusCode)
	}
}

func TestSwapRejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"not json":      "{",
		"missing field": `{"ephPub":"0x04","iv":"0x00","tag":"0x00"}`,
		"empty field":   `{"ephPub":"","iv":"0x00","tag":"0x00","data":"0x00"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := post(t, "/swap", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("got %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSwapRejectsUndecryptable(t *testing.T) {
	resp := post(t, "/swap", `{"ephPub":"0x04","iv":"0x00","tag":"0x00","data":"0x00"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	resp, body := get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics returned %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "sequencer_") {
		t.Fatal("no sequencer metrics exposed")
	}
}
