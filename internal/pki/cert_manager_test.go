package pki

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureMaterialCreatesCAAndServerCert(t *testing.T) {
	m := NewCertManager(t.TempDir())
	require.NoError(t, m.EnsureMaterial())

	for _, p := range []string{m.CAPath(), m.CAKeyPath(), m.ServerCertPath(), m.ServerKeyPath()} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}

	ca := readCert(t, m.CAPath())
	assert.True(t, ca.IsCA)

	server := readCert(t, m.ServerCertPath())
	assert.False(t, server.IsCA)
	assert.Equal(t, "mudward-controller", server.Subject.CommonName)
	assert.NoError(t, server.CheckSignatureFrom(ca), "server cert must chain to the CA")
}

func TestEnsureMaterialIsIdempotent(t *testing.T) {
	m := NewCertManager(t.TempDir())
	require.NoError(t, m.EnsureMaterial())

	before := readCert(t, m.ServerCertPath())
	require.NoError(t, m.EnsureMaterial())
	after := readCert(t, m.ServerCertPath())

	assert.Equal(t, before.SerialNumber, after.SerialNumber, "valid material should not be regenerated")
}

func TestServerCertRegeneratedWhenCAKeyMissing(t *testing.T) {
	m := NewCertManager(t.TempDir())
	require.NoError(t, m.EnsureMaterial())

	oldServer := readCert(t, m.ServerCertPath())
	require.NoError(t, os.Remove(m.CAKeyPath()))

	require.NoError(t, m.EnsureMaterial())
	newServer := readCert(t, m.ServerCertPath())
	assert.NotEqual(t, oldServer.SerialNumber, newServer.SerialNumber, "new CA must reissue the server cert")
}

func TestServerTLSConfigRequiresClientCerts(t *testing.T) {
	m := NewCertManager(t.TempDir())
	require.NoError(t, m.EnsureMaterial())

	cfg, err := m.ServerTLSConfig("", "", "")
	require.NoError(t, err)

	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Len(t, cfg.Certificates, 1)
}

func TestIssueClientCertChainsToCA(t *testing.T) {
	dir := t.TempDir()
	m := NewCertManager(dir)
	require.NoError(t, m.EnsureMaterial())

	certPEM, keyPEM, err := m.IssueClientCert("enforcer-1")
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "enforcer-1", cert.Subject.CommonName)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	ca := readCert(t, m.CAPath())
	assert.NoError(t, cert.CheckSignatureFrom(ca))

	// The issued pair must load as a usable client identity.
	certFile := filepath.Join(dir, "client.pem")
	keyFile := filepath.Join(dir, "client-key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))

	cfg, err := ClientTLSConfig(certFile, keyFile, m.CAPath(), "mudward")
	require.NoError(t, err)
	assert.Equal(t, "mudward", cfg.ServerName)
}

func TestServerTLSConfigMissingFiles(t *testing.T) {
	m := NewCertManager(t.TempDir())
	_, err := m.ServerTLSConfig("", "", "")
	assert.Error(t, err, "no material provisioned yet")
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	pemBytes, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}
