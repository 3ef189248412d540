package dns

import (
	"errors"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("example.com", Domain{"example.com", ""}, nil)
	test("EXAMPLE.COM", Domain{"example.com", ""}, nil)
	test("TEST☺.EXAMPLE.COM", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test("example.com.", Domain{}, errTrailingDot)
}
