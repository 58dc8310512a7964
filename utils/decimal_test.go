package utils

import (
	"encoding/json"
	"testing"
)

func TestParseAmount_AcceptsFormattedStrings(t *testing.T) {
	cases := []struct {
		in       interface{}
		expected string
	}{
		{"40", "40"},
		{"1,234.50", "1234.5"},
		{"$ 1,234.50", "1234.5"},
		{"USD 20", "20"},
		{"  usd -7.25 ", "-7.25"},
		{json.Number("60.00"), "60"},
		{float64(12.5), "12.5"},
		{100, "100"},
	}
	for _, tc := range cases {
		d, err := ParseAmount(tc.in)
		if err != nil {
			t.Fatalf("ParseAmount(%v) error: %v", tc.in, err)
		}
		if d.String() != tc.expected {
			t.Fatalf("ParseAmount(%v) expected %s, got %s", tc.in, tc.expected, d.String())
		}
	}
}

func TestParseAmount_RejectsGarbage(t *testing.T) {
	for _, in := range []interface{}{"", "USD", "abc", true} {
		if _, err := ParseAmount(in); err == nil {
			t.Fatalf("ParseAmount(%v) expected error", in)
		}
	}
}

func TestSortedUniqueInts(t *testing.T) {
	got := SortedUniqueInts([]int{7, 3, 7, 1, 3})
	want := []int{1, 3, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if JoinInts(got) != "1,3,7" {
		t.Fatalf("JoinInts: got %q", JoinInts(got))
	}
}
