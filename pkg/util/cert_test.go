package util

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	cert, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	require.NotNil(t, cert.PrivateKey)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	assert.Len(t, leaf.IPAddresses, 2)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second call reuses the files instead of generating a new pair.
	again, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

func TestLoadOrGenerateCertMissingKey(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")

	first, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(keyPath))

	second, err := LoadOrGenerateCert(certPath, keyPath)
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestLoadCertFromFilesInvalid(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certPath, []byte("not a cert"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := LoadOrGenerateCert(certPath, keyPath)
	assert.ErrorContains(t, err, "load TLS certificate")
}

func TestEnv(t *testing.T) {
	t.Setenv("PGTABLE_TEST_VALUE", " set ")
	assert.Equal(t, "set", GetEnvOrDefault("PGTABLE_TEST_VALUE", "default"))
	assert.Equal(t, "default", GetEnvOrDefault("PGTABLE_TEST_UNSET", "default"))

	t.Setenv("PGTABLE_TEST_LIST", "a:9000, b:9000,,")
	assert.Equal(t, []string{"a:9000", "b:9000"}, GetEnvList("PGTABLE_TEST_LIST", "localhost:9000"))
	assert.Equal(t, []string{"localhost:9000"}, GetEnvList("PGTABLE_TEST_UNSET", "localhost:9000"))
}
