// Package roomcode maps four-digit room codes onto transport addresses.
package roomcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sheerbytes/diceduel/internal/dependencies/random"
	"github.com/sheerbytes/diceduel/internal/model"
	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const (
	Min = 1000
	Max = 9999
)

// Namespace prefixes every room address. It follows the protocol version so
// incompatible builds never rendezvous.
var Namespace = fmt.Sprintf("diceduel-v%d-", protocol.ProtocolVersion)

// ErrForeignNamespace is returned when decoding an address that is not a room address.
var ErrForeignNamespace = errors.New("address is not in the room namespace")

// Code is a short human-enterable room identifier.
type Code int

func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// Valid reports whether c is in the legal range.
func (c Code) Valid() bool {
	return c >= Min && c <= Max
}

// Generate draws a code uniformly from the legal range.
func Generate(r random.Random) Code {
	return Code(Min + r.Intn(Max-Min+1))
}

// Parse reads a code typed by a player.
func Parse(s string) (Code, error) {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		return 0, model.ErrInvalidRoomCode
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, model.ErrInvalidRoomCode
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Code(n).Valid() {
		return 0, model.ErrInvalidRoomCode
	}
	return Code(n), nil
}

// Encode returns the transport address a host with this code reserves.
func Encode(c Code) string {
	return Namespace + c.String()
}

// Decode recovers the code from a room address.
func Decode(address string) (Code, error) {
	rest, ok := strings.CutPrefix(address, Namespace)
	if !ok {
		return 0, ErrForeignNamespace
	}
	return Parse(rest)
}
