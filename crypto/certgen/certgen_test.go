package certgen

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestGenerateAll(t *testing.T) {
	files, err := GenerateAll(t.TempDir(), "dungeon0", &Options{DNS: []string{"dungeon.example"}, IPs: []net.IP{net.IPv4(10, 0, 0, 7)}})
	require.NoError(t, err)

	ca := readCert(t, files.CACert)
	leaf := readCert(t, files.NodeCert)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "dungeon0", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "dungeon.example")
	assert.Contains(t, leaf.DNSNames, "localhost")

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "dungeon.example",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("10.0.0.7"))

	info, err := os.Stat(files.NodeKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLeavesFromDifferentAuthoritiesDoNotVerify(t *testing.T) {
	a, err := NewAuthority("a")
	require.NoError(t, err)
	b, err := NewAuthority("b")
	require.NoError(t, err)

	der, _, err := b.Issue("player", nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.Error(t, err)
}
