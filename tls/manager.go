// Package tls manages the local CA and server certificate the event
// server uses, including trust store installation on the host.
package tls

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog"
)

// Manager generates and caches the TLS material under the agent's
// config directory: a local CA (installed into the system trust store)
// and a server certificate covering the machine's current hosts.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
	log        zerolog.Logger
}

// NewManager builds a manager rooted at configDir. Nothing touches the
// filesystem until EnsureCertificates runs.
func NewManager(configDir string, logger zerolog.Logger) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	return &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		log:        logger.With().Str("component", "tls").Logger(),
	}
}

// EnsureCertificates returns paths to a server certificate and key
// valid for the machine's current hosts, generating them when missing
// or when the host set changed since the last run. Installing the CA
// may prompt the operator for a password.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	if err := os.MkdirAll(m.tlsDir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tls directory: %w", err)
	}

	hosts, err := CertificateHosts()
	if err != nil {
		m.log.Warn().Err(err).Msg("could not enumerate LAN addresses, certificate covers localhost only")
		hosts = []string{"localhost", "127.0.0.1"}
	}

	switch {
	case !m.certsExist():
		m.log.Info().Strs("hosts", hosts).Msg("no certificates yet, generating")
	case m.hostsStale(hosts):
		m.log.Info().Strs("hosts", hosts).Msg("host set changed, regenerating certificates")
	default:
		m.log.Debug().Msg("reusing existing certificates")
		return m.certFile, m.keyFile, nil
	}

	if err := m.generate(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

// generate creates the CA (installing it into the trust store) and a
// server certificate for hosts, then records the host set for staleness
// checks on later runs.
func (m *Manager) generate(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("create ca directory: %w", err)
	}
	// truststore roots its CA at CAROOT.
	os.Setenv("CAROOT", m.caDir)

	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("init truststore: %w", err)
	}

	m.log.Info().Msg("installing CA into system trust store, a password prompt may appear")
	if err := lib.Install(); err != nil {
		return fmt.Errorf("install CA: %w", err)
	}

	cert, err := lib.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("make certificate: %w", err)
	}
	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("move certificate: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("move key: %w", err)
		}
	}

	if err := m.writeHosts(hosts); err != nil {
		m.log.Warn().Err(err).Msg("could not record certificate hosts")
	}

	event := m.log.Info().Str("cert", m.certFile)
	if fp, err := m.CAFingerprint(); err == nil {
		event = event.Str("ca_sha256", fp)
	}
	event.Msg("certificates ready")
	return nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsStale reports whether the recorded host set differs from hosts,
// ignoring order. An unreadable record counts as stale.
func (m *Manager) hostsStale(hosts []string) bool {
	recorded, err := m.readHosts()
	if err != nil {
		return true
	}

	a := append([]string(nil), recorded...)
	b := append([]string(nil), hosts...)
	sort.Strings(a)
	sort.Strings(b)

	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func (m *Manager) readHosts() ([]string, error) {
	f, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeHosts(hosts []string) error {
	f, err := os.Create(m.hostsFile)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, host := range hosts {
		fmt.Fprintln(f, host)
	}
	return nil
}

// CACertPEM returns the CA certificate, for serving to clients that
// need to trust the server.
func (m *Manager) CACertPEM() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}

// CAFingerprint returns the CA certificate's SHA-256 fingerprint in
// colon-separated hex, for out-of-band verification.
func (m *Manager) CAFingerprint() (string, error) {
	raw, err := m.CACertPEM()
	if err != nil {
		return "", fmt.Errorf("read CA certificate: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return "", fmt.Errorf("CA file holds no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse CA certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
