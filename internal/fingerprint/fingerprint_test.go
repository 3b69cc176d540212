package fingerprint

import (
	"strings"
	"testing"
)

func TestOfIgnoresTimestampDifferences(t *testing.T) {
	a := Of("2024-01-01T10:00:00Z ERROR failed to connect to db")
	b := Of("2024-01-01T10:05:00Z ERROR failed to connect to db")
	if a != b {
		t.Fatalf("fingerprints differ despite identical message modulo timestamp: %q vs %q", a, b)
	}
}

func TestOfIgnoresUUIDIPAndIntegers(t *testing.T) {
	a := Of("request 550e8400-e29b-41d4-a716-446655440000 from 10.0.0.1 failed after 3 retries")
	b := Of("request 6ba7b810-9dad-11d1-80b4-00c04fd430c8 from 192.168.1.5 failed after 7 retries")
	if a != b {
		t.Fatalf("fingerprints differ despite identical shape: %q vs %q", a, b)
	}
}

func TestOfCanonicalizesFloatsToF(t *testing.T) {
	a := Of("load average 3.14 exceeds threshold")
	b := Of("load average 9.81 exceeds threshold")
	if a != b {
		t.Fatalf("fingerprints differ despite identical shape modulo a float: %q vs %q", a, b)
	}
	if !strings.Contains(a, "<F>") {
		t.Fatalf("fingerprint %q does not contain <F>; float substitution did not apply", a)
	}
}

func TestOfDistinguishesDifferentMessages(t *testing.T) {
	a := Of("ERROR failed to connect to db")
	b := Of("ERROR failed to connect to cache")
	if a == b {
		t.Fatal("expected distinct messages to produce distinct fingerprints")
	}
}

func TestOfTruncatesLongMessages(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "padding "
	}
	got := Of(long)
	if len(got) > 200 {
		t.Fatalf("len(Of(...))=%d, want <= 200", len(got))
	}
}
