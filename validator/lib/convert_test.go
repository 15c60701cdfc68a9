package libmft

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBER2DERPassthrough(t *testing.T) {
	content := MakeManifestContent()
	data, err := asn1.Marshal(content)
	assert.Nil(t, err)

	out, err := BER2DER(data)
	assert.Nil(t, err)
	assert.Equal(t, data, out)
}

func TestBER2DERIndefinite(t *testing.T) {
	// SEQUENCE (indefinite) { OCTET STRING "hi" } EOC
	ber := []byte{0x30, 0x80, 0x04, 0x02, 0x68, 0x69, 0x00, 0x00}
	der := []byte{0x30, 0x04, 0x04, 0x02, 0x68, 0x69}

	out, err := BER2DER(ber)
	assert.Nil(t, err)
	assert.Equal(t, der, out)
}

func TestBER2DERNestedIndefinite(t *testing.T) {
	// SEQUENCE (indefinite) { SEQUENCE (indefinite) { INTEGER 5 } EOC } EOC
	ber := []byte{0x30, 0x80, 0x30, 0x80, 0x02, 0x01, 0x05, 0x00, 0x00, 0x00, 0x00}
	der := []byte{0x30, 0x05, 0x30, 0x03, 0x02, 0x01, 0x05}

	out, err := BER2DER(ber)
	assert.Nil(t, err)
	assert.Equal(t, der, out)
}

func TestBER2DERLongForm(t *testing.T) {
	// OCTET STRING "hi" with a needlessly long length encoding
	ber := []byte{0x04, 0x81, 0x02, 0x68, 0x69}
	der := []byte{0x04, 0x02, 0x68, 0x69}

	out, err := BER2DER(ber)
	assert.Nil(t, err)
	assert.Equal(t, der, out)
}

func TestBER2DERFaults(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantErr string
	}{
		{"trailing data", []byte{0x02, 0x01, 0x05, 0xff}, "trailing data"},
		{"truncated content", []byte{0x04, 0x05, 0x68}, "truncated content"},
		{"truncated length", []byte{0x04}, "truncated length"},
		{"indefinite primitive", []byte{0x04, 0x80, 0x68, 0x00, 0x00}, "indefinite length on primitive"},
		{"unterminated indefinite", []byte{0x30, 0x80, 0x02, 0x01, 0x05}, "unterminated indefinite"},
		{"empty", []byte{}, "truncated identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BER2DER(tt.in)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
