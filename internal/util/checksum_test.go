package util

import (
	"testing"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := ComputeChecksum(tt.data)
			second := ComputeChecksum(tt.data)
			if first != second {
				t.Errorf("Checksums should be deterministic: %d != %d", first, second)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("chunk state transfer payload")
	checksum := ComputeChecksum(data)

	if !ValidateChecksum(data, checksum) {
		t.Error("Valid checksum should pass validation")
	}
	if ValidateChecksum(data, checksum+1) {
		t.Error("Invalid checksum should fail validation")
	}

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	if ValidateChecksum(corrupted, checksum) {
		t.Error("Corrupted data should fail validation")
	}
}
