package vuser

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// ClientTimeouts carries the connect/read/total timeout trio from
// Config, applied per virtual user.
type ClientTimeouts struct {
	Connect time.Duration
	Read    time.Duration
	Total   time.Duration
}

// NewHTTPClient builds the single *http.Client a VirtualUser owns for
// its entire lifetime: keep-alive enabled, dial/read timeouts applied at
// the transport level, and optional mTLS material loaded from cert, when
// present, resolved against uploadDir.
func NewHTTPClient(cert *models.CertConfig, timeouts ClientTimeouts, uploadDir string) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: timeouts.Connect}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: timeouts.Read,
		ForceAttemptHTTP2:     true,
	}

	if cert != nil {
		tlsConfig, err := buildTLSConfig(cert, uploadDir)
		if err != nil {
			return nil, fmt.Errorf("building mTLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeouts.Total,
	}, nil
}

func buildTLSConfig(cert *models.CertConfig, uploadDir string) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: cert.Insecure}

	switch {
	case cert.CombinedPEMPath != "":
		path := resolvePath(uploadDir, cert.CombinedPEMPath)
		pair, err := tls.LoadX509KeyPair(path, path)
		if err != nil {
			return nil, fmt.Errorf("loading combined PEM %s: %w", path, err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	case cert.CertPath != "" && cert.KeyPath != "":
		certPath := resolvePath(uploadDir, cert.CertPath)
		keyPath := resolvePath(uploadDir, cert.KeyPath)
		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading cert/key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	if !cert.Insecure {
		pool, err := x509.SystemCertPool()
		if err == nil && pool != nil {
			cfg.RootCAs = pool
		}
	}
	return cfg, nil
}

func resolvePath(root, path string) string {
	if root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
