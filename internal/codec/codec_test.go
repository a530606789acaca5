package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/powgate/internal/protocol"
)

func TestHexDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{"empty", "", []byte{}, false},
		{"lowercase", "00ff10", []byte{0x00, 0xff, 0x10}, false},
		{"uppercase", "ABCD", []byte{0xab, 0xcd}, false},
		{"odd length", "abc", nil, true},
		{"non hex", "zz", nil, true},
		{"space", "0 ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexDecode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrFormat) {
					t.Errorf("HexDecode(%q) error = %v, want FormatError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("HexDecode(%q) unexpected error = %v", tt.in, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("HexDecode(%q) = %x, want %x", tt.in, got, tt.want)
			}
		})
	}
}

func TestHexDecode_OddLengthSentinel(t *testing.T) {
	_, err := HexDecode("0")
	if !errors.Is(err, ErrOddLength) {
		t.Errorf("HexDecode() error = %v, want ErrOddLength", err)
	}
}

func TestEncodeBase64URL_Alphabet(t *testing.T) {
	// 0xfb 0xff encodes to "+/8=" in the standard alphabet.
	got := EncodeBase64URL([]byte{0xfb, 0xff})
	if got != "-_8" {
		t.Errorf("EncodeBase64URL() = %q, want %q", got, "-_8")
	}
}

func TestDecodeBase64URL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{"unpadded", "-_8", []byte{0xfb, 0xff}, false},
		{"padded", "-_8=", []byte{0xfb, 0xff}, false},
		{"empty", "", []byte{}, false},
		{"standard alphabet", "+/8", nil, true},
		{"impossible length", "abcde", nil, true},
		{"garbage", "!!!!", nil, true},
		{"padded two bytes", "AA==", []byte{0x00}, false},
		{"full group with padding", "AAAA==", nil, true},
		{"excess padding", "AA======", nil, true},
		{"three padding characters", "A===", nil, true},
		{"padding not completing group", "AA=", nil, true},
		{"padding in the middle", "AA==AA==", nil, true},
		{"non-zero trailing bits", "-_9", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64URL(tt.in)
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrFormat) {
					t.Errorf("DecodeBase64URL(%q) error = %v, want FormatError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBase64URL(%q) unexpected error = %v", tt.in, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("DecodeBase64URL(%q) = %x, want %x", tt.in, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for size := 0; size <= 70; size++ {
		b := make([]byte, size)
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}

		h, err := HexDecode(HexEncode(b))
		if err != nil || !bytes.Equal(h, b) {
			t.Errorf("hex round trip failed for %d bytes: %v", size, err)
		}

		d, err := DecodeBase64URL(EncodeBase64URL(b))
		if err != nil || !bytes.Equal(d, b) {
			t.Errorf("base64url round trip failed for %d bytes: %v", size, err)
		}
	}
}

func BenchmarkDecodeBase64URL(b *testing.B) {
	s := EncodeBase64URL(make([]byte, 256))
	for i := 0; i < b.N; i++ {
		_, _ = DecodeBase64URL(s)
	}
}
