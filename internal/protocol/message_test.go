package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeProgReqResp(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    DeviceStats
		wantErr bool
	}{
		{
			name:    "s1 scenario vector",
			payload: []byte{0x08, 0x40, 0x00, 0x53, 0x00},
			want:    DeviceStats{PageSize: 256, NFlashPages: 64, ElfMachine: 0x0053},
		},
		{
			name:    "wrong length",
			payload: []byte{0x08, 0x40, 0x00, 0x53},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeProgReqResp(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeProgReqResp(%v) = nil error, want error", tt.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeProgReqResp(%v) unexpected error: %v", tt.payload, err)
			}
			if got != tt.want {
				t.Errorf("DecodeProgReqResp(%v) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestPageAddrRoundTrip(t *testing.T) {
	addr := uint32(0x0000_0100)
	encoded := EncodePageAddr(addr)
	got, err := DecodePageAddr(encoded)
	if err != nil {
		t.Fatalf("DecodePageAddr: unexpected error: %v", err)
	}
	if got != addr {
		t.Errorf("DecodePageAddr(EncodePageAddr(%#x)) = %#x", addr, got)
	}
}

func TestDecodePageAddrBadLength(t *testing.T) {
	if _, err := DecodePageAddr([]byte{0x01, 0x02}); err == nil {
		t.Error("DecodePageAddr with short payload: want error, got nil")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	crc := uint16(0x3FBD)
	if got := DecodeChecksum(EncodeChecksum(crc)); got != crc {
		t.Errorf("DecodeChecksum(EncodeChecksum(%#x)) = %#x", crc, got)
	}
}

func TestDecodeChecksumBadLengthForcesMismatch(t *testing.T) {
	if got := DecodeChecksum([]byte{0x01}); got != 0xFFFF {
		t.Errorf("DecodeChecksum(short) = %#x, want 0xFFFF", got)
	}
	if got := DecodeChecksum(nil); got != 0xFFFF {
		t.Errorf("DecodeChecksum(nil) = %#x, want 0xFFFF", got)
	}
}

func TestNameKnownAndUnknown(t *testing.T) {
	if got := Name(ProgReqResp); got != "PROG_REQ_RESP" {
		t.Errorf("Name(ProgReqResp) = %q", got)
	}
	if got := Name(0xDEAD0000); got != "UNKNOWN" {
		t.Errorf("Name(unknown) = %q, want UNKNOWN", got)
	}
}

func TestEncodePageAddrByteOrder(t *testing.T) {
	got := EncodePageAddr(0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodePageAddr(0x01020304) = %v, want %v", got, want)
	}
}
