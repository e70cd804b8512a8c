package config

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// applyRuntimeValidation applies runtime validations and transformations
func applyRuntimeValidation(cfg *Config) error {
	cfg.Ingress.Mode = strings.ToLower(strings.TrimSpace(cfg.Ingress.Mode))
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Pipeline.PersistType = strings.ToLower(strings.TrimSpace(cfg.Pipeline.PersistType))

	if cfg.Ingress.Mode != ModeBridge {
		return nil
	}
	if err := applyCertClientID(&cfg.Ingress.Bridge); err != nil {
		return err
	}
	applyClientIDSuffix(&cfg.Ingress.Bridge)
	return nil
}

// applyCertClientID uses the client certificate CN as the bridge client ID
// when none is configured.
func applyCertClientID(cfg *MQTTConfig) error {
	if cfg.ClientID != "" || !cfg.TLSEnabled || cfg.ClientCert == "" {
		return nil
	}
	cn, err := extractCNFromCertFile(cfg.ClientCert)
	if err != nil {
		return fmt.Errorf("failed to extract CN from certificate: %w", err)
	}
	cfg.ClientID = cn
	return nil
}

// applyClientIDSuffix makes the bridge client ID unique per process so
// several ingress replicas never take over each other's session.
func applyClientIDSuffix(cfg *MQTTConfig) {
	if cfg.ClientID == "" {
		return
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.ClientID = fmt.Sprintf("%s-%s-%d", cfg.ClientID, hostname, os.Getpid())
}

// extractCNFromCertFile extracts the CN from a PEM certificate file
func extractCNFromCertFile(certPath string) (string, error) {
	certPEM, err := os.ReadFile(certPath) // #nosec G304 - certPath is from config, not user input
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("certificate has no CN")
	}

	return cert.Subject.CommonName, nil
}
