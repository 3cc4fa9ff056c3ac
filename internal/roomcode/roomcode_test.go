package roomcode

import (
	"errors"
	"strings"
	"testing"

	"github.com/sheerbytes/diceduel/internal/dependencies/mocks"
	"github.com/sheerbytes/diceduel/internal/model"
)

func TestEncodeDecode_AllCodes(t *testing.T) {
	for n := Min; n <= Max; n++ {
		c := Code(n)
		addr := Encode(c)
		if !strings.HasPrefix(addr, Namespace) {
			t.Fatalf("Encode(%d) = %q, missing namespace", n, addr)
		}
		got, err := Decode(addr)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", addr, err)
		}
		if got != c {
			t.Fatalf("Decode(Encode(%d)) = %d", n, got)
		}
	}
}

func TestNamespaceTracksProtocolVersion(t *testing.T) {
	if Namespace != "diceduel-v2-" {
		t.Fatalf("Namespace = %q", Namespace)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr error
	}{
		{"other namespace", "diceduel-v1-4521", ErrForeignNamespace},
		{"no namespace", "4521", ErrForeignNamespace},
		{"too short", Namespace + "452", model.ErrInvalidRoomCode},
		{"leading zero", Namespace + "0999", model.ErrInvalidRoomCode},
		{"letters", Namespace + "45a1", model.ErrInvalidRoomCode},
		{"sign", Namespace + "+452", model.ErrInvalidRoomCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.address)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode(%q) error = %v, want %v", tt.address, err, tt.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	c, err := Parse(" 4521 ")
	if err != nil || c != 4521 {
		t.Fatalf("Parse() = %d, %v", c, err)
	}
	if _, err := Parse("12345"); !errors.Is(err, model.ErrInvalidRoomCode) {
		t.Fatalf("Parse(12345) error = %v", err)
	}
}

func TestGenerate_Range(t *testing.T) {
	r := mocks.NewMockRandom()
	r.QueueIntn(0, 8999, 3521)
	for _, want := range []Code{1000, 9999, 4521} {
		if got := Generate(r); got != want {
			t.Fatalf("Generate() = %d, want %d", got, want)
		}
	}
	if calls := r.Calls(); calls[0] != 9000 {
		t.Fatalf("Intn called with %d, want 9000", calls[0])
	}
}
