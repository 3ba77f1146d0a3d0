package seqid

import "testing"

func TestCompareNumeric(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1},  // numeric: 2 < 10 despite losing lexicographically
		{"10", "2", 1},
		{"5", "5", 0},
		{"99999999999999999999", "100000000000000000000", -1}, // beyond int64
	}
	for _, c := range cases {
		got := Compare(c.a, c.b)
		if sign(got) != c.want {
			t.Fatalf("Compare(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func TestCompareFallsBackToLexicographic(t *testing.T) {
	if Compare("page-1", "page-2") >= 0 {
		t.Fatal("expected page-1 < page-2 lexicographically")
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
