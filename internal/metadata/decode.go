package metadata

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

var (
	selSymbol   = []byte{0x95, 0xd8, 0x9b, 0x41} // symbol()
	selDecimals = []byte{0x31, 0x3c, 0xe5, 0x67} // decimals()
)

var errEmptyReturn = errors.New("empty return data")

// DecodeSymbol decodes a symbol() return value. Both the ABI string encoding
// and the legacy bytes32 encoding are accepted.
func DecodeSymbol(out []byte) (string, error) {
	if len(out) == 0 {
		return "", errEmptyReturn
	}
	if len(out) >= 64 {
		s, err := decodeABIString(out)
		if err != nil {
			return "", err
		}
		return cleanSymbol(s)
	}
	if len(out) == 32 {
		return cleanSymbol(strings.TrimRight(string(out), "\x00"))
	}
	return "", fmt.Errorf("unexpected symbol() return of %d bytes", len(out))
}

// decodeABIString reads a dynamic string from return data of at least 64
// bytes. Offset and length are checked by subtraction so hostile words
// cannot wrap the bounds.
func decodeABIString(out []byte) (string, error) {
	size := uint64(len(out))
	off := new(big.Int).SetBytes(out[:32])
	if !off.IsUint64() || off.Uint64() > size-32 {
		return "", fmt.Errorf("symbol() offset %s out of range", off.String())
	}
	o := off.Uint64()
	l := new(big.Int).SetBytes(out[o : o+32])
	if !l.IsUint64() || l.Uint64() > size-32-o {
		return "", fmt.Errorf("symbol() length %s out of range", l.String())
	}
	return string(out[o+32 : o+32+l.Uint64()]), nil
}

func cleanSymbol(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return "", errors.New("empty symbol")
	}
	if !utf8.ValidString(s) {
		return "", errors.New("symbol is not valid utf-8")
	}
	return s, nil
}

// DecodeDecimals decodes a decimals() return value, which must fit uint8.
func DecodeDecimals(out []byte) (uint8, error) {
	if len(out) == 0 {
		return 0, errEmptyReturn
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("short decimals() return of %d bytes", len(out))
	}
	v := new(big.Int).SetBytes(out[:32])
	if !v.IsUint64() || v.Uint64() > 255 {
		return 0, fmt.Errorf("decimals() out of range: %s", v.String())
	}
	return uint8(v.Uint64()), nil
}
