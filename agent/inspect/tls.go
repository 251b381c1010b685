package inspect

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Cert file names written by WriteFiles and read by LoadServerTLS and LoadClientTLS.
const (
	CAFile         = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

// Certs is a CA plus a server and a client cert signed by it, for mutual TLS on the inspection server.
// The keys grant access to every run's output, so handle them carefully.
type Certs struct {
	CA     Cert
	Server Cert
	Client Cert
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	x509Cert *x509.Certificate
	key      *ecdsa.PrivateKey
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	return pool, nil
}

// LoadServerTLS reads the CA and server files from dir.
func LoadServerTLS(dir string) (*tls.Config, error) {
	ca, cert, key, err := readPEMs(dir, ServerCertFile, ServerKeyFile)
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(ca, cert, key)
}

// LoadClientTLS reads the CA and client files from dir.
func LoadClientTLS(dir string) (*tls.Config, error) {
	ca, cert, key, err := readPEMs(dir, ClientCertFile, ClientKeyFile)
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(ca, cert, key)
}

func readPEMs(dir, certFile, keyFile string) (ca, cert, key []byte, err error) {
	for _, f := range []struct {
		name string
		dst  *[]byte
	}{{CAFile, &ca}, {certFile, &cert}, {keyFile, &key}} {
		*f.dst, err = os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("reading TLS material: %w", err)
		}
	}
	return ca, cert, key, nil
}

// WriteFiles writes the certs into dir. The CA key is not written, so no more certs can be issued from it.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{CAFile, c.CA.CertPEMBytes, 0o644},
		{ServerCertFile, c.Server.CertPEMBytes, 0o644},
		{ServerKeyFile, c.Server.KeyPEMBytes, 0o600},
		{ClientCertFile, c.Client.CertPEMBytes, 0o644},
		{ClientKeyFile, c.Client.KeyPEMBytes, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func encodeCert(tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (Cert, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing created cert: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return Cert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
		x509Cert:     parsed,
		key:          key,
	}, nil
}

func buildCA(validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "execbus inspection CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	return encodeCert(tmpl, tmpl, key, key)
}

func buildLeaf(ca Cert, cn string, hosts []string, usage x509.ExtKeyUsage, validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return encodeCert(tmpl, ca.x509Cert, key, ca.key)
}

// GenerateCerts creates a fresh CA with a server cert for hosts and a client cert, all valid for validFor.
func GenerateCerts(hosts []string, validFor time.Duration) (*Certs, error) {
	ca, err := buildCA(validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildLeaf(ca, "execd", hosts, x509.ExtKeyUsageServerAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildLeaf(ca, "exec", nil, x509.ExtKeyUsageClientAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: ca, Server: server, Client: client}, nil
}
