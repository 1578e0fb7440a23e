package iotguardgo

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// CertsDirEnv names the environment variable consulted when no certificate
// directory is configured.
const CertsDirEnv = "CERTS_DIR"

// configureTLSForLocalhost configures TLS settings for .localhost backends
// served with a development CA. It returns nil when the default verification
// should be used.
func configureTLSForLocalhost(baseURL, certsDir string, logger *slog.Logger) (*tls.Config, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	hostname := parsedURL.Hostname()
	if hostname != "localhost" && !strings.HasSuffix(hostname, ".localhost") {
		return nil, nil
	}

	if certsDir == "" {
		certsDir = os.Getenv(CertsDirEnv)
	}
	if certsDir == "" {
		logger.Debug("no certificate directory configured, using default TLS verification", "host", hostname)
		return nil, nil
	}

	caCertPool, err := loadCertificatesFromDir(certsDir, logger)
	if err != nil {
		logger.Warn("failed to load certificates", "dir", certsDir, "error", err)
		return nil, nil
	}
	if caCertPool == nil {
		logger.Debug("no certificates found, using default TLS verification", "dir", certsDir)
		return nil, nil
	}

	return &tls.Config{RootCAs: caCertPool}, nil
}

// loadCertificatesFromDir loads every .crt, .pem and .cer file in certsDir
// into a pool, or returns nil if none could be loaded.
func loadCertificatesFromDir(certsDir string, logger *slog.Logger) (*x509.CertPool, error) {
	entries, err := os.ReadDir(certsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates directory: %w", err)
	}

	caCertPool := x509.NewCertPool()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".crt" && ext != ".pem" && ext != ".cer" {
			continue
		}

		certPath := filepath.Join(certsDir, entry.Name())
		certData, err := os.ReadFile(certPath)
		if err != nil {
			logger.Warn("failed to read certificate", "path", certPath, "error", err)
			continue
		}
		if !strings.Contains(string(certData), "-----BEGIN CERTIFICATE-----") {
			logger.Warn("file does not contain a PEM certificate", "path", certPath)
			continue
		}
		if caCertPool.AppendCertsFromPEM(certData) {
			loaded++
		} else {
			logger.Warn("failed to parse certificate", "path", certPath)
		}
	}

	if loaded == 0 {
		return nil, nil
	}
	logger.Debug("loaded certificates", "count", loaded, "dir", certsDir)
	return caCertPool, nil
}

// withTLSConfig returns base with tlsConfig applied. Only *http.Transport
// can carry a TLS config; other round trippers are returned unchanged.
func withTLSConfig(base http.RoundTripper, tlsConfig *tls.Config) http.RoundTripper {
	if tlsConfig == nil {
		return base
	}
	if base == nil {
		base = http.DefaultTransport
	}
	transport, ok := base.(*http.Transport)
	if !ok {
		return base
	}
	transport = transport.Clone()
	transport.TLSClientConfig = tlsConfig
	return transport
}
