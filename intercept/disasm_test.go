package intercept

import "testing"

func TestDisasm(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   []byte
		want string
	}{
		{in: []byte{0x0f, 0xa2, 0x90}, want: "cpuid"},
		{in: []byte{0x90}, want: "nop"},
		{in: []byte{0x0f}, want: "0f"},
	} {
		if got := disasm(tt.in, 0x1000); got != tt.want {
			t.Errorf("disasm(% x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
