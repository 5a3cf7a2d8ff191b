package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveStoreDriver(t *testing.T) {
	cases := []struct {
		name      string
		flagValue string
		envValue  string
		want      string
		wantErr   bool
	}{
		{name: "default", want: "json"},
		{name: "flag wins", flagValue: "sqlite", envValue: "postgres", want: "sqlite"},
		{name: "env fallback", envValue: "postgres", want: "postgres"},
		{name: "case insensitive", flagValue: " JSON ", want: "json"},
		{name: "unknown", flagValue: "mysql", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveStoreDriver(tc.flagValue, tc.envValue)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tc.want {
				t.Fatalf("driver = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a , ,b,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if splitAndTrim("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestResolveDuration(t *testing.T) {
	logger := slog.Default()

	if got := resolveDuration(2*time.Second, "RTSPBRIDGE_TEST_DURATION", time.Second, logger); got != 2*time.Second {
		t.Fatalf("flag value ignored: %v", got)
	}

	t.Setenv("RTSPBRIDGE_TEST_DURATION", "30s")
	if got := resolveDuration(0, "RTSPBRIDGE_TEST_DURATION", time.Second, logger); got != 30*time.Second {
		t.Fatalf("env value ignored: %v", got)
	}

	t.Setenv("RTSPBRIDGE_TEST_DURATION", "bogus")
	if got := resolveDuration(0, "RTSPBRIDGE_TEST_DURATION", time.Second, logger); got != time.Second {
		t.Fatalf("fallback not used: %v", got)
	}
}

func TestResolveBool(t *testing.T) {
	logger := slog.Default()

	if !resolveBool(true, "RTSPBRIDGE_TEST_BOOL", logger) {
		t.Fatalf("flag value ignored")
	}

	t.Setenv("RTSPBRIDGE_TEST_BOOL", "true")
	if !resolveBool(false, "RTSPBRIDGE_TEST_BOOL", logger) {
		t.Fatalf("env value ignored")
	}

	t.Setenv("RTSPBRIDGE_TEST_BOOL", "nope")
	if resolveBool(false, "RTSPBRIDGE_TEST_BOOL", logger) {
		t.Fatalf("invalid env treated as true")
	}
}

func startOpsServer(t *testing.T, certFile, keyFile string) (string, context.CancelFunc, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &http.Server{Handler: opsMux(), ReadHeaderTimeout: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- serveOps(ctx, srv, ln, certFile, keyFile)
	}()
	return ln.Addr().String(), cancel, done
}

func TestServeOpsHealthAndMetrics(t *testing.T) {
	addr, cancel, done := startOpsServer(t, "", "")

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		if path == "/healthz" && strings.TrimSpace(string(body)) != "ok" {
			t.Fatalf("healthz body = %q", body)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeOpsWithTLS(t *testing.T) {
	certFile, keyFile := writeTestCert(t)
	addr, cancel, done := startOpsServer(t, certFile, keyFile)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get(fmt.Sprintf("https://%s/healthz", addr))
	if err != nil {
		t.Fatalf("get over tls: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeOpsRejectsPartialTLSConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: opsMux()}

	if err := serveOps(context.Background(), srv, ln, "cert.pem", ""); err == nil {
		t.Fatal("expected error for cert without key")
	}
	// The listener must be released so a retry with fixed flags can bind.
	if _, err := net.Listen("tcp", ln.Addr().String()); err != nil {
		t.Fatalf("listener still held: %v", err)
	}
}

func writeTestCert(t *testing.T) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rtspbridge-ops"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "ops.crt")
	keyFile := filepath.Join(dir, "ops.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestPublisherSettingsEnabled(t *testing.T) {
	if (publisherSettings{}).enabled() {
		t.Fatalf("empty settings should be disabled")
	}
	if !(publisherSettings{Addr: "127.0.0.1:6379"}).enabled() {
		t.Fatalf("addr should enable publisher")
	}
	if !(publisherSettings{Addrs: []string{"127.0.0.1:6379"}}).enabled() {
		t.Fatalf("addrs should enable publisher")
	}
}
