package vj

import (
	"errors"
	"testing"
)

func TestDecodeUnsignedDelta_RoundTrip(t *testing.T) {
	for v := 0; v <= 0xffff; v++ {
		enc := AppendUnsignedDelta(nil, uint16(v))
		got, off, err := DecodeUnsignedDelta(enc, 0)
		if err != nil {
			t.Fatalf("DecodeUnsignedDelta(%d) error = %v", v, err)
		}
		if got != uint32(v) {
			t.Fatalf("DecodeUnsignedDelta(%d) = %d", v, got)
		}
		if off != len(enc) {
			t.Fatalf("DecodeUnsignedDelta(%d) offset = %d, want %d", v, off, len(enc))
		}
	}
}

func TestDecodeUnsignedDelta_Forms(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		off     int
		want    uint32
		wantOff int
		wantErr bool
	}{
		{name: "one byte", input: []byte{10}, want: 10, wantOff: 1},
		{name: "max one byte", input: []byte{255}, want: 255, wantOff: 1},
		{name: "three bytes", input: []byte{0, 0x01, 0x00}, want: 256, wantOff: 3},
		{name: "three byte zero", input: []byte{0, 0, 0}, want: 0, wantOff: 3},
		{name: "with offset", input: []byte{0xaa, 0, 0x12, 0x34, 0xbb}, off: 1, want: 0x1234, wantOff: 4},
		{name: "empty", input: nil, wantErr: true},
		{name: "offset past end", input: []byte{1}, off: 1, wantErr: true},
		{name: "long form cut short", input: []byte{0, 0x01}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, off, err := DecodeUnsignedDelta(tt.input, tt.off)
			if tt.wantErr {
				if !errors.Is(err, ErrTruncated) {
					t.Errorf("DecodeUnsignedDelta() error = %v, want ErrTruncated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeUnsignedDelta() error = %v", err)
			}
			if got != tt.want || off != tt.wantOff {
				t.Errorf("DecodeUnsignedDelta() = (%d, %d), want (%d, %d)", got, off, tt.want, tt.wantOff)
			}
		})
	}
}

func TestDecodeSignedDelta_RoundTrip(t *testing.T) {
	for v := -32768; v <= 32767; v++ {
		enc := AppendSignedDelta(nil, int16(v))
		got, off, err := DecodeSignedDelta(enc, 0)
		if err != nil {
			t.Fatalf("DecodeSignedDelta(%d) error = %v", v, err)
		}
		if got != int32(v) {
			t.Fatalf("DecodeSignedDelta(%d) = %d", v, got)
		}
		if off != len(enc) {
			t.Fatalf("DecodeSignedDelta(%d) offset = %d, want %d", v, off, len(enc))
		}
	}
}

func TestDecodeSignedDelta_Forms(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  int32
	}{
		{name: "short form is positive", input: []byte{200}, want: 200},
		{name: "long form negative", input: []byte{0, 0xff, 0xff}, want: -1},
		{name: "long form shrink", input: []byte{0, 0xfc, 0x00}, want: -1024},
		{name: "long form grow", input: []byte{0, 0x10, 0x00}, want: 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := DecodeSignedDelta(tt.input, 0)
			if err != nil {
				t.Fatalf("DecodeSignedDelta() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeSignedDelta() = %d, want %d", got, tt.want)
			}
		})
	}

	if _, _, err := DecodeSignedDelta([]byte{0, 1}, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("DecodeSignedDelta(truncated) error = %v, want ErrTruncated", err)
	}
}

func TestAppendDelta_Sizes(t *testing.T) {
	if got := len(AppendUnsignedDelta(nil, 0)); got != 3 {
		t.Errorf("AppendUnsignedDelta(0) length = %d, want 3", got)
	}
	if got := len(AppendUnsignedDelta(nil, 255)); got != 1 {
		t.Errorf("AppendUnsignedDelta(255) length = %d, want 1", got)
	}
	if got := len(AppendSignedDelta(nil, -1)); got != 3 {
		t.Errorf("AppendSignedDelta(-1) length = %d, want 3", got)
	}
}
