package network

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/sha3"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a fixed self-signed certificate for local development. Every
// build derives the same key, so clients can pin it without exchanging files.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha3.Sum256([]byte("keylobby-dev-tls-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// WriteDevCA exports the development certificate as PEM for clients that
// load a CA file instead of passing DevTLS.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return os.WriteFile(path, pemBytes, 0600)
}

func serverTLSConfig(opts ServerOptions) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	case opts.DevTLS:
		cert, _, err = devTLSCert()
	default:
		return nil, errors.New("tls: no certificate configured (set cert/key files or enable dev tls)")
	}
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig(insecure bool, devTLS bool, devTLSCAPath string) (*tls.Config, error) {
	conf := &tls.Config{
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
	}
	if insecure {
		conf.InsecureSkipVerify = true
		return conf, nil
	}
	if path := os.Getenv("KEYLOBBY_DEVTLS_CA_PATH"); path != "" {
		devTLSCAPath = path
	}
	pool := x509.NewCertPool()
	switch {
	case devTLSCAPath != "":
		pemBytes, err := os.ReadFile(devTLSCAPath)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("tls: no certificates in " + devTLSCAPath)
		}
	case devTLS:
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	default:
		return conf, nil
	}
	conf.RootCAs = pool
	return conf, nil
}
