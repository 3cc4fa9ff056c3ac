package transportquic

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedExporter []byte

func (f fixedExporter) ExportKeyingMaterial(label string, _ []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, f)
	copy(out[len(out)/2:], label)
	return out, nil
}

func TestProof_RoundTrip(t *testing.T) {
	key, err := proofKey(fixedExporter("session-a"), "diceduel-v2-4521")
	require.NoError(t, err)

	h, err := newHello(key, proofRoleGuest, "link-1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeHello(&buf, h))
	got, err := readHello(bufio.NewReader(&buf))
	require.NoError(t, err)

	assert.NoError(t, verifyHello(key, got, proofRoleGuest))
	assert.Error(t, verifyHello(key, got, proofRoleHost))
}

func TestProof_WrongAddress(t *testing.T) {
	key, err := proofKey(fixedExporter("session-a"), "diceduel-v2-4521")
	require.NoError(t, err)
	other, err := proofKey(fixedExporter("session-a"), "diceduel-v2-4522")
	require.NoError(t, err)

	h, err := newHello(key, proofRoleHost, "link-1")
	require.NoError(t, err)
	assert.ErrorIs(t, verifyHello(other, h, proofRoleHost), errProofMismatch)
}

func TestProof_WrongSession(t *testing.T) {
	key, err := proofKey(fixedExporter("session-a"), "diceduel-v2-4521")
	require.NoError(t, err)
	other, err := proofKey(fixedExporter("session-b"), "diceduel-v2-4521")
	require.NoError(t, err)

	h, err := newHello(key, proofRoleGuest, "link-1")
	require.NoError(t, err)
	assert.ErrorIs(t, verifyHello(other, h, proofRoleGuest), errProofMismatch)
}

func TestProof_TamperedLink(t *testing.T) {
	key, err := proofKey(fixedExporter("session-a"), "diceduel-v2-4521")
	require.NoError(t, err)

	h, err := newHello(key, proofRoleGuest, "link-1")
	require.NoError(t, err)
	h.LinkID = "link-2"
	assert.ErrorIs(t, verifyHello(key, h, proofRoleGuest), errProofMismatch)
}

func TestReadLine_Limit(t *testing.T) {
	r := bufio.NewReaderSize(bytes.NewReader(append(bytes.Repeat([]byte("a"), 100), '\n')), 16)
	_, err := readLine(r, 50)
	assert.ErrorIs(t, err, errMessageTooLarge)

	r = bufio.NewReaderSize(bytes.NewReader([]byte("hello\nworld\n")), 16)
	line, err := readLine(r, 50)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(line))
}
