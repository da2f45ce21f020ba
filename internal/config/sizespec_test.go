package config

import "testing"

func TestParseSizeSpec(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		check   func(SizeSpec) bool
	}{
		{"80%", false, func(s SizeSpec) bool { return s.Percent == 80 }},
		{"200GiB", false, func(s SizeSpec) bool { return s.Bytes == 200*(1<<30) }},
		{"512MB", false, func(s SizeSpec) bool { return s.Bytes == 512*1000*1000 }},
		{"1024", false, func(s SizeSpec) bool { return s.Bytes == 1024 }},
		{"", true, nil},
		{"101%", true, nil},
		{"200XB", true, nil},
	}
	for _, c := range cases {
		got, err := ParseSizeSpec(c.in)
		if c.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", c.in, err)
		}
		if !c.check(got) {
			t.Fatalf("%q: unexpected result %+v", c.in, got)
		}
	}
}

func TestSizeSpecResolve(t *testing.T) {
	s := SizeSpec{Percent: 50}
	if got := s.Resolve(1000); got != 500 {
		t.Fatalf("got %d want 500", got)
	}
	abs := SizeSpec{Bytes: 42}
	if got := abs.Resolve(1000); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
}
