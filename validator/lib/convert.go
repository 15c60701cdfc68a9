package libmft

import (
	"errors"
	"fmt"
)

// BER2DER rewrites a BER element into DER: indefinite lengths become
// definite and length octets become minimal. The input must hold exactly
// one element.
func BER2DER(data []byte) ([]byte, error) {
	out, rest, err := berElement2DER(data)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("BER: %d bytes of trailing data", len(rest))
	}
	return out, nil
}

func berElement2DER(data []byte) ([]byte, []byte, error) {
	ident, constructed, rest, err := berIdentifier(data)
	if err != nil {
		return nil, nil, err
	}
	length, indefinite, rest, err := berLength(rest)
	if err != nil {
		return nil, nil, err
	}

	var content []byte
	if indefinite {
		if !constructed {
			return nil, nil, errors.New("BER: indefinite length on primitive element")
		}
		for {
			if len(rest) >= 2 && rest[0] == 0 && rest[1] == 0 {
				rest = rest[2:]
				break
			}
			if len(rest) == 0 {
				return nil, nil, errors.New("BER: unterminated indefinite length")
			}
			var child []byte
			child, rest, err = berElement2DER(rest)
			if err != nil {
				return nil, nil, err
			}
			content = append(content, child...)
		}
	} else {
		if length > len(rest) {
			return nil, nil, errors.New("BER: truncated content")
		}
		raw := rest[:length]
		rest = rest[length:]
		if constructed {
			for len(raw) > 0 {
				var child []byte
				child, raw, err = berElement2DER(raw)
				if err != nil {
					return nil, nil, err
				}
				content = append(content, child...)
			}
		} else {
			content = raw
		}
	}

	out := make([]byte, 0, len(ident)+5+len(content))
	out = append(out, ident...)
	out = append(out, derLength(len(content))...)
	out = append(out, content...)
	return out, rest, nil
}

// berIdentifier consumes the identifier octets, including the high tag
// number form.
func berIdentifier(data []byte) ([]byte, bool, []byte, error) {
	if len(data) == 0 {
		return nil, false, nil, errors.New("BER: truncated identifier")
	}
	constructed := data[0]&0x20 != 0
	n := 1
	if data[0]&0x1f == 0x1f {
		for {
			if n >= len(data) {
				return nil, false, nil, errors.New("BER: truncated identifier")
			}
			n++
			if data[n-1]&0x80 == 0 {
				break
			}
		}
	}
	return data[:n], constructed, data[n:], nil
}

// berLength consumes the length octets. The second return is true for the
// indefinite form.
func berLength(data []byte) (int, bool, []byte, error) {
	if len(data) == 0 {
		return 0, false, nil, errors.New("BER: truncated length")
	}
	b := data[0]
	if b == 0x80 {
		return 0, true, data[1:], nil
	}
	if b&0x80 == 0 {
		return int(b), false, data[1:], nil
	}
	n := int(b & 0x7f)
	if n > 4 {
		return 0, false, nil, errors.New("BER: length too large")
	}
	if len(data) < 1+n {
		return 0, false, nil, errors.New("BER: truncated length")
	}
	var length int
	for i := 0; i < n; i++ {
		length = length<<8 | int(data[1+i])
	}
	if length < 0 {
		return 0, false, nil, errors.New("BER: length too large")
	}
	return length, false, data[1+n:], nil
}

func derLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var enc []byte
	for v := n; v > 0; v >>= 8 {
		enc = append([]byte{byte(v)}, enc...)
	}
	return append([]byte{byte(0x80 | len(enc))}, enc...)
}
