// Package tls terminates TLS on the gateway listener.
package tls

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

type TLSManager struct {
	mode     string
	certFile string
	keyFile  string
	autoCert *autocert.Manager
	devCert  *tls.Certificate
}

// NewTLSManager prepares certificates for cfg.TLSMode. It returns nil when TLS is off.
func NewTLSManager(cfg config.ServerConfig) (*TLSManager, error) {
	m := &TLSManager{
		mode:     cfg.TLSMode,
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
	}

	switch cfg.TLSMode {
	case "":
		return nil, nil
	case config.TLSModeFile:
		// Load once up front so a bad pair fails at startup, not on the first handshake.
		if _, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
	case config.TLSModeAutocert:
		if err := os.MkdirAll(cfg.AutocertDir, 0o700); err != nil {
			return nil, fmt.Errorf("create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.AutocertDomain),
			Cache:      autocert.DirCache(cfg.AutocertDir),
			Email:      cfg.AutocertEmail,
		}
		util.Info("AutoCert configured",
			zap.String("domain", cfg.AutocertDomain),
			zap.String("cache_dir", cfg.AutocertDir))
	case config.TLSModeSelfSigned:
		hosts := []string{"localhost", "127.0.0.1", "::1"}
		if cfg.Host != "" && cfg.Host != "0.0.0.0" {
			hosts = append(hosts, cfg.Host)
		}
		cert, err := GenerateSelfSigned(hosts, defaultDevCertValidity)
		if err != nil {
			return nil, err
		}
		m.devCert = &cert
		util.Warn("Serving a self-signed certificate", zap.Strings("hosts", hosts))
	default:
		return nil, fmt.Errorf("unknown tls mode %q", cfg.TLSMode)
	}
	return m, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	switch {
	case m.autoCert != nil:
		return m.autoCert.GetCertificate(hello)
	case m.devCert != nil:
		return m.devCert, nil
	default:
		// Reloaded per handshake so rotated files are picked up without a restart.
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	nextProtos := []string{"h2", "http/1.1"}
	if m.autoCert != nil {
		nextProtos = append(nextProtos, "acme-tls/1")
	}
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     nextProtos,
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// ChallengeHandler answers ACME HTTP-01 challenges and redirects everything
// else to HTTPS. It is nil unless the mode is autocert.
func (m *TLSManager) ChallengeHandler() http.Handler {
	if m.autoCert == nil {
		return nil
	}
	return m.autoCert.HTTPHandler(nil)
}

func (m *TLSManager) Mode() string {
	return m.mode
}
