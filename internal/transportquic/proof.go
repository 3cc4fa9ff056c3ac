package transportquic

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

const (
	proofLabel     = "diceduel-proof-v1"
	proofVersion   = byte(1)
	proofRoleGuest = byte(1)
	proofRoleHost  = byte(2)
	proofNonceSize = 16
	proofMacSize   = 32
)

var errProofMismatch = errors.New("address proof mismatch")

// hello is the first line each side writes on the link stream. Its MAC proves
// the writer knows the host address the link was dialed for, bound to this
// TLS session.
type hello struct {
	V      byte   `json:"v"`
	Role   byte   `json:"role"`
	LinkID string `json:"link_id"`
	Nonce  []byte `json:"nonce"`
	MAC    []byte `json:"mac"`
}

type keyExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// deriveProofKey keys the proof with the host address over the session's
// exported keying material.
func deriveProofKey(qc *quic.Conn, hostAddress string) ([]byte, error) {
	state := qc.ConnectionState().TLS
	return proofKey(&state, hostAddress)
}

func proofKey(exporter keyExporter, hostAddress string) ([]byte, error) {
	ekm, err := exporter.ExportKeyingMaterial(proofLabel, nil, proofMacSize)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(hostAddress))
	_, _ = mac.Write(ekm)
	return mac.Sum(nil), nil
}

func computeProofMac(key []byte, role byte, linkID string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte{proofVersion, role})
	_, _ = mac.Write([]byte(linkID))
	_, _ = mac.Write(nonce)
	return mac.Sum(nil)
}

func newHello(key []byte, role byte, linkID string) (hello, error) {
	nonce := make([]byte, proofNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return hello{}, fmt.Errorf("proof nonce: %w", err)
	}
	return hello{
		V:      proofVersion,
		Role:   role,
		LinkID: linkID,
		Nonce:  nonce,
		MAC:    computeProofMac(key, role, linkID, nonce),
	}, nil
}

func verifyHello(key []byte, h hello, role byte) error {
	if h.V != proofVersion {
		return fmt.Errorf("unexpected proof version %d", h.V)
	}
	if h.Role != role {
		return fmt.Errorf("proof role mismatch: expected %d, got %d", role, h.Role)
	}
	if len(h.Nonce) != proofNonceSize || len(h.MAC) != proofMacSize {
		return errProofMismatch
	}
	if !hmac.Equal(h.MAC, computeProofMac(key, role, h.LinkID, h.Nonce)) {
		return errProofMismatch
	}
	return nil
}

func writeHello(w io.Writer, h hello) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("proof write: %w", err)
	}
	return nil
}

func readHello(r *bufio.Reader) (hello, error) {
	line, err := readLine(r, 1024)
	if err != nil {
		return hello{}, fmt.Errorf("proof read: %w", err)
	}
	var h hello
	if err := json.Unmarshal(line, &h); err != nil {
		return hello{}, fmt.Errorf("proof decode: %w", err)
	}
	return h, nil
}
