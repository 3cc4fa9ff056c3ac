package transportquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for duel links.
const ALPNProtocol = "diceduel-quic-v1"

// Config holds configuration for QUIC endpoints.
type Config struct {
	ServerURL   string
	StunServers []string

	// IncludeLoopback adds 127.0.0.1 to the advertised host candidates.
	IncludeLoopback bool

	// DialTimeout bounds one Connect: candidate exchange, dial race and proof.
	DialTimeout time.Duration
	// HandshakeTimeout bounds how long a host waits for a guest that sent
	// candidates to complete its proof.
	HandshakeTimeout time.Duration

	MaxMessageBytes int
	UDPReadBuffer   int
	UDPWriteBuffer  int

	Logger *slog.Logger
}

// DefaultConfig returns the defaults NewOpener fills zero fields from.
func DefaultConfig() Config {
	return Config{
		ServerURL:        "http://localhost:8080",
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		MaxMessageBytes:  64 * 1024,
		UDPReadBuffer:    minUDPBuffer,
		UDPWriteBuffer:   minUDPBuffer,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.UDPReadBuffer <= 0 {
		c.UDPReadBuffer = def.UDPReadBuffer
	}
	if c.UDPWriteBuffer <= 0 {
		c.UDPWriteBuffer = def.UDPWriteBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// serverTLSConfig uses a fresh self-signed certificate. Peers are
// authenticated by the address proof, not by the certificate.
func serverTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// defaultQUICConfig is shared by dialing and listening. A link carries a
// single low-volume stream.
func defaultQUICConfig() *quic.Config {
	cfg, _ := buildQUICConfig(&quic.Config{
		KeepAlivePeriod:         5 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		HandshakeIdleTimeout:    5 * time.Second,
		DisablePathMTUDiscovery: true,
	}, minQUICConnWindow, minQUICStreamWindow, 4)
	return cfg
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"diceduel"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
