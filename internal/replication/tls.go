package replication

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
)

// alpn is the QUIC ALPN protocol identifier for replication connections.
const alpn = "edgeproxy-replication/1"

// selfSignedTLSConfig generates an ephemeral self-signed certificate keyed
// by nodeID. The authenticity bar for this transport is "same cluster
// secret", checked on each connection's first stream in transport.go's
// serveConn/handshake, not certificate trust — full mTLS is an adapter
// concern left out of scope (spec.md §4.6, §9 OQ3).
func selfSignedTLSConfig(nodeID string, forServer bool) (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "replication: generating node key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "replication: generating cert serial")
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: nodeID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, errors.Wrap(err, "replication: creating self-signed cert")
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}
	if !forServer {
		// No shared CA exists across nodes; identity is established by the
		// cluster-secret handshake, not by certificate trust.
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}
