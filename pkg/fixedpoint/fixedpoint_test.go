package fixedpoint

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		decimals int
		want     int64
		wantErr  bool
	}{
		{"4566.88", 2, 456688, false},
		{"4566.879999", 2, 456687, false}, // excess precision truncated
		{"0.008", 8, 800000, false},
		{"0.00000001", 8, 1, false},
		{"1", 8, 100000000, false},
		{"", 8, 0, false},
		{".5", 2, 50, false},
		{"-12.5", 2, -1250, false},
		{"1.2.3", 2, 0, true},
		{"abc", 2, 0, true},
	}

	for _, c := range cases {
		got, err := Parse(c.in, c.decimals)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q, %d): expected error, got %d", c.in, c.decimals, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q, %d): unexpected error: %v", c.in, c.decimals, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q, %d) = %d, want %d", c.in, c.decimals, got, c.want)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	cases := []struct {
		v        int64
		decimals int
		want     string
	}{
		{456688, 2, "4566.88"},
		{800000, 8, "0.00800000"},
		{1, 8, "0.00000001"},
		{-1250, 2, "-12.50"},
		{0, 2, "0.00"},
	}

	for _, c := range cases {
		got := Format(c.v, c.decimals)
		if got != c.want {
			t.Errorf("Format(%d, %d) = %q, want %q", c.v, c.decimals, got, c.want)
		}
		back, err := Parse(got, c.decimals)
		if err != nil || back != c.v {
			t.Errorf("Parse(Format(%d)) = %d, %v", c.v, back, err)
		}
	}
}
