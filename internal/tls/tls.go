package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// ServerConfig is the control-plane TLS configuration.
type ServerConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	AutoCert bool   // generate a self-signed pair when no files are given
	Dir      string // directory for generated certificates (default "tls")
}

// Setup builds the server tls.Config. Returns (nil, nil) when TLS is
// disabled. Certificates are loaded per-handshake so a rotated file on disk
// takes effect without a restart.
func Setup(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return dynamicConfig(cfg.CertFile, cfg.KeyFile), nil
	}

	if cfg.AutoCert {
		dir := cfg.Dir
		if dir == "" {
			dir = "tls"
		}
		certPath := filepath.Join(dir, tlsCrt)
		keyPath := filepath.Join(dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return dynamicConfig(certPath, keyPath), nil
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func dynamicConfig(certPath, keyPath string) *tls.Config {
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     tls.VersionTLS13,
	}
}

// getCertificationFunc returns a function that loads certificates per
// handshake.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// safeReadFile reads file content safely within the base directory.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   "localhost",
		Organization: "agentpool",
		DNSNames:     []string{"localhost", "127.0.0.1"},
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().AddDate(5, 0, 0),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
