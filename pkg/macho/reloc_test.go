package macho

import "testing"

func TestDecodeReloc(t *testing.T) {
	tests := []struct {
		name      string
		w0, w1    uint32
		scattered bool
		want      Reloc
	}{
		{
			name: "x86_64 branch",
			w0:   4,
			w1:   0x2d000001,
			want: Reloc{Addr: 4, Symnum: 1, Pcrel: true, Len: 2, Extern: true, Type: 2},
		},
		{
			name: "arm64 page21",
			w0:   0x10,
			w1:   0x3d000007,
			want: Reloc{Addr: 0x10, Symnum: 7, Pcrel: true, Len: 2, Extern: true, Type: 3},
		},
		{
			name:      "i386 sectdiff",
			w0:        0xa2000020,
			w1:        0x40,
			scattered: true,
			want:      Reloc{Addr: 0x20, Type: 2, Len: 2, Scattered: true, Value: 0x40},
		},
		{
			name: "high bit ignored on 64-bit",
			w0:   0x80000000,
			w1:   0x06000003,
			want: Reloc{Addr: 0x80000000, Symnum: 3, Len: 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeReloc(tt.w0, tt.w1, tt.scattered)
			if got != tt.want {
				t.Errorf("DecodeReloc() = %v, want %v", got, tt.want)
			}
			w0, w1 := EncodeReloc(got)
			if w0 != tt.w0 || w1 != tt.w1 {
				t.Errorf("EncodeReloc() = %#x,%#x, want %#x,%#x", w0, w1, tt.w0, tt.w1)
			}
		})
	}
}
