package iotguardgo

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomyedwab/iotguard/session"
)

const truncatedCert = `-----BEGIN CERTIFICATE-----
MIICXTCCAcagAwIBAgIJAPIAxxxxxxxxMA0GCSqGSIb3DQEBCwUAMEUxCzAJBgNV
BAYTAkFVMRMwEQYDVQQIDApTb21lLVN0YXRlMSEwHwYDVQQKDBhJbnRlcm5ldCBX
-----END CERTIFICATE-----`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigureTLSForLocalhost(t *testing.T) {
	tests := []struct {
		name            string
		baseURL         string
		cert            string // "" = no cert file, "valid" = generated
		useCertsDir     bool
		viaEnv          bool
		expectTLSConfig bool
		expectError     bool
	}{
		{
			name:        "non-localhost domain",
			baseURL:     "https://api.example.com",
			cert:        "valid",
			useCertsDir: true,
		},
		{
			name:    "localhost domain without certs dir",
			baseURL: "https://api.iotguard.localhost",
		},
		{
			name:        "localhost domain with empty certs dir",
			baseURL:     "https://api.iotguard.localhost",
			useCertsDir: true,
		},
		{
			name:        "localhost domain with unparseable cert",
			baseURL:     "https://api.iotguard.localhost",
			cert:        truncatedCert,
			useCertsDir: true,
		},
		{
			name:            "localhost domain with valid cert",
			baseURL:         "https://api.iotguard.localhost",
			cert:            "valid",
			useCertsDir:     true,
			expectTLSConfig: true,
		},
		{
			name:            "plain localhost with valid cert from environment",
			baseURL:         "https://localhost:8443",
			cert:            "valid",
			useCertsDir:     true,
			viaEnv:          true,
			expectTLSConfig: true,
		},
		{
			name:        "invalid URL",
			baseURL:     "://invalid-url",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(CertsDirEnv, "")

			var certsDir string
			if tt.useCertsDir {
				certsDir = t.TempDir()
				if tt.cert != "" {
					content := tt.cert
					if content == "valid" {
						content = generateValidTestCert(t)
					}
					if err := os.WriteFile(filepath.Join(certsDir, "test.crt"), []byte(content), 0644); err != nil {
						t.Fatalf("Failed to write cert file: %v", err)
					}
				}
			}

			dirArg := certsDir
			if tt.viaEnv {
				t.Setenv(CertsDirEnv, certsDir)
				dirArg = ""
			}

			tlsConfig, err := configureTLSForLocalhost(tt.baseURL, dirArg, discardLogger())

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}

			if tt.expectTLSConfig {
				if tlsConfig == nil {
					t.Errorf("Expected TLS config but got nil")
				} else if tlsConfig.RootCAs == nil {
					t.Errorf("Expected RootCAs to be set in TLS config")
				}
			} else if tlsConfig != nil {
				t.Errorf("Expected nil TLS config but got: %+v", tlsConfig)
			}
		})
	}
}

// generateValidTestCert creates a valid self-signed certificate for testing
func generateValidTestCert(t *testing.T) string {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test Org"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"*.localhost", "localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
}

func TestWithTLSConfig(t *testing.T) {
	base := &http.Transport{}
	if got := withTLSConfig(base, nil); got != http.RoundTripper(base) {
		t.Errorf("Expected base transport to be returned unchanged")
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	got := withTLSConfig(base, tlsConfig)
	transport, ok := got.(*http.Transport)
	if !ok {
		t.Fatalf("Expected http.Transport but got: %T", got)
	}
	if transport == base {
		t.Errorf("Expected the base transport to be cloned")
	}
	if transport.TLSClientConfig != tlsConfig {
		t.Errorf("Expected TLS config to be applied")
	}
	// Clone may prepare HTTP/2 on base, which gives it a TLS config of its
	// own; it must never be the one applied to the clone.
	if base.TLSClientConfig == tlsConfig {
		t.Errorf("Base transport must not receive the TLS config")
	}

	custom := roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, nil })
	if _, ok := withTLSConfig(custom, tlsConfig).(roundTripFunc); !ok {
		t.Errorf("Expected custom round tripper to be returned unchanged")
	}
}

func TestNewClientWithLocalhostDomain(t *testing.T) {
	client := NewClient("https://api.iotguard.localhost/", session.NewStore(), WithCertsDir(t.TempDir()))

	if client.BaseURL() != "https://api.iotguard.localhost" {
		t.Errorf("Expected trailing slash to be trimmed, got %q", client.BaseURL())
	}
	if client.HTTPClient() == nil {
		t.Fatalf("Expected HTTP client to be configured")
	}
	if _, ok := client.HTTPClient().Transport.(*Transport); !ok {
		t.Errorf("Expected the intercepting transport, got %T", client.HTTPClient().Transport)
	}
}
