package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"chanrpc/config"
)

// alpn is negotiated on QUIC connections so unrelated QUIC peers are refused.
const alpn = "chanrpc"

// ServerTLS returns the TLS config for a QUIC listener: the tls.cert / tls.key pair
// when both are set, otherwise a fresh self-signed certificate for the endpoint host.
func ServerTLS(ep *config.Endpoint) (*tls.Config, error) {
	certFile, hasCert := ep.Param(config.KeyTLSCert)
	keyFile, hasKey := ep.Param(config.KeyTLSKey)
	if hasCert && hasKey {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13, NextProtos: []string{alpn}}, nil
	}
	return SelfSignedTLS([]string{ep.Host, "localhost"}, 365*24*time.Hour)
}

// ClientTLS returns the TLS config used to dial a QUIC endpoint. Peers are not verified
// unless tls.insecure=false.
func ClientTLS(ep *config.Endpoint) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: ep.Bool(config.KeyTLSInsecure, true),
		ServerName:         ep.Host,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpn},
	}
}

// SelfSignedTLS creates an in-memory self-signed server config for hosts.
func SelfSignedTLS(hosts []string, validFor time.Duration) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS13, NextProtos: []string{alpn}}, nil
}
