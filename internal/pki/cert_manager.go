// Package pki provisions the controller's TLS material: a local CA, a
// server certificate signed by it, and the tls.Config values for the
// mutually-authenticated control plane.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"mudward.io/mudward/internal/clock"
)

// CertManager owns the certificate directory. When the operator supplies no
// certificate paths, first boot provisions a CA and a server certificate
// here, and enforcers are enrolled against that CA.
type CertManager struct {
	CertDir string
}

// NewCertManager creates a manager rooted at certDir.
func NewCertManager(certDir string) *CertManager {
	return &CertManager{CertDir: certDir}
}

// CAPath returns the CA certificate path.
func (m *CertManager) CAPath() string { return filepath.Join(m.CertDir, "ca.pem") }

// CAKeyPath returns the CA private key path.
func (m *CertManager) CAKeyPath() string { return filepath.Join(m.CertDir, "ca-key.pem") }

// ServerCertPath returns the server certificate path.
func (m *CertManager) ServerCertPath() string { return filepath.Join(m.CertDir, "server.pem") }

// ServerKeyPath returns the server private key path.
func (m *CertManager) ServerKeyPath() string { return filepath.Join(m.CertDir, "server-key.pem") }

// EnsureMaterial makes sure a CA and a CA-signed server certificate exist
// and are not expiring soon, regenerating what is missing or stale.
func (m *CertManager) EnsureMaterial() error {
	if err := os.MkdirAll(m.CertDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert dir: %w", err)
	}

	caRegenerated, err := m.ensureCA()
	if err != nil {
		return err
	}
	// A new CA invalidates the old server cert regardless of its dates.
	return m.ensureServerCert(caRegenerated)
}

func (m *CertManager) ensureCA() (regenerated bool, err error) {
	if valid, _ := certValid(m.CAPath()); valid {
		if _, err := os.Stat(m.CAKeyPath()); err == nil {
			return false, nil
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return false, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return false, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mudward-ca"},
		NotBefore:             clock.Now().Add(-time.Hour),
		NotAfter:              clock.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return false, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	if err := writeCert(m.CAPath(), der); err != nil {
		return false, err
	}
	if err := writeKey(m.CAKeyPath(), key); err != nil {
		return false, err
	}
	return true, nil
}

func (m *CertManager) ensureServerCert(force bool) error {
	if !force {
		if valid, _ := certValid(m.ServerCertPath()); valid {
			if _, err := os.Stat(m.ServerKeyPath()); err == nil {
				return nil
			}
		}
	}

	caCert, caKey, err := m.loadCA()
	if err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mudward-controller"},
		NotBefore:             clock.Now().Add(-time.Hour),
		NotAfter:              clock.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"mudward", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	template.IPAddresses = append(template.IPAddresses, hostIPs()...)

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("failed to create server certificate: %w", err)
	}

	if err := writeCert(m.ServerCertPath(), der); err != nil {
		return err
	}
	return writeKey(m.ServerKeyPath(), key)
}

func (m *CertManager) loadCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(m.CAPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := os.ReadFile(m.CAKeyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode CA key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// ServerTLSConfig builds the listener config: present the server cert,
// demand a client certificate, and verify it against the client CA. Empty
// paths fall back to the managed material.
func (m *CertManager) ServerTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	if certFile == "" {
		certFile = m.ServerCertPath()
	}
	if keyFile == "" {
		keyFile = m.ServerKeyPath()
	}
	if clientCAFile == "" {
		clientCAFile = m.CAPath()
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	pool, err := loadCertPool(clientCAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds an enforcer-side config: present the client cert
// and verify the controller against the same CA.
func ClientTLSConfig(certFile, keyFile, caFile, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	pool, err := loadCertPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// IssueClientCert signs a client certificate for an enforcer, for
// enrollment tooling. Returns the cert and key in PEM form.
func (m *CertManager) IssueClientCert(commonName string) (certPEM, keyPEM []byte, err error) {
	caCert, caKey, err := m.loadCA()
	if err != nil {
		return nil, nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate client key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             clock.Now().Add(-time.Hour),
		NotAfter:              clock.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// certValid reports whether the certificate at path parses and is not
// expiring within 30 days.
func certValid(path string) (bool, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return false, fmt.Errorf("failed to decode PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, err
	}
	if time.Until(cert.NotAfter) < 30*24*time.Hour {
		return false, nil
	}
	return true, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func writeCert(path string, der []byte) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	defer out.Close()
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeKey(path string, key *rsa.PrivateKey) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	defer out.Close()
	return pem.Encode(out, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	return serial, nil
}

// hostIPs returns the host's addresses for server cert SANs.
func hostIPs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && !ip.IsLoopback() {
				out = append(out, ip)
			}
		}
	}
	return out
}
