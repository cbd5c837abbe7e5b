// Package certgen issues a private CA and leaf certificates for the wire
// protocol's mutual TLS. Dungeons and players each get a leaf signed by the
// same CA.
package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	caLifetime   = 10 * 365 * 24 * time.Hour
	leafLifetime = 2 * 365 * 24 * time.Hour
	backdate     = time.Hour
)

// Options adds subject alternative names to issued leaves.
type Options struct {
	IPs []net.IP
	DNS []string
}

// Files are the PEM paths written by GenerateAll.
type Files struct {
	CACert   string
	CAKey    string
	NodeCert string
	NodeKey  string
}

// Authority is a loaded CA able to sign leaves.
type Authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
}

// NewAuthority creates a fresh self-signed CA.
func NewAuthority(name string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "certgen: CA key")
	}
	tmpl, err := template(name, caLifetime)
	if err != nil {
		return nil, err
	}
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.MaxPathLenZero = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "certgen: sign CA")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "certgen: parse CA")
	}
	return &Authority{cert: cert, key: key, der: der}, nil
}

// Issue signs a leaf usable as both client and server certificate. The name
// and loopback addresses are always included as SANs.
func (a *Authority) Issue(name string, opts *Options) (certDER []byte, key *ecdsa.PrivateKey, err error) {
	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "certgen: leaf key")
	}
	tmpl, err := template(name, leafLifetime)
	if err != nil {
		return nil, nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	tmpl.DNSNames = []string{"localhost", name}
	if opts != nil {
		tmpl.IPAddresses = append(tmpl.IPAddresses, opts.IPs...)
		tmpl.DNSNames = append(tmpl.DNSNames, opts.DNS...)
	}

	certDER, err = x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "certgen: sign leaf %s", name)
	}
	return certDER, key, nil
}

// GenerateAll writes a new CA and a leaf for nodeID into dir as ca.crt,
// ca.key, <nodeID>.crt and <nodeID>.key.
func GenerateAll(dir, nodeID string, opts *Options) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "certgen: mkdir %s", dir)
	}
	ca, err := NewAuthority("Braid Dungeon CA")
	if err != nil {
		return nil, err
	}
	leaf, key, err := ca.Issue(nodeID, opts)
	if err != nil {
		return nil, err
	}

	files := &Files{
		CACert:   filepath.Join(dir, "ca.crt"),
		CAKey:    filepath.Join(dir, "ca.key"),
		NodeCert: filepath.Join(dir, nodeID+".crt"),
		NodeKey:  filepath.Join(dir, nodeID+".key"),
	}
	if err := writeCert(files.CACert, ca.der); err != nil {
		return nil, err
	}
	if err := writeKey(files.CAKey, ca.key); err != nil {
		return nil, err
	}
	if err := writeCert(files.NodeCert, leaf); err != nil {
		return nil, err
	}
	if err := writeKey(files.NodeKey, key); err != nil {
		return nil, err
	}
	return files, nil
}

func template(name string, lifetime time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "certgen: serial")
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(lifetime),
	}, nil
}

func writeCert(path string, der []byte) error {
	return writePEM(path, &pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "certgen: marshal key")
	}
	return writePEM(path, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writePEM(path string, block *pem.Block) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "certgen: create %s", path)
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		return errors.Wrapf(err, "certgen: write %s", path)
	}
	return f.Close()
}
