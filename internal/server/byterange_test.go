package server

import (
	"reflect"
	"testing"
)

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		total  int64
		want   []ByteRange
	}{
		{"explicit span", "bytes=0-499", 1000, []ByteRange{{0, 499}}},
		{"open end", "bytes=500-", 1000, []ByteRange{{500, 999}}},
		{"suffix", "bytes=-500", 1000, []ByteRange{{500, 999}}},
		{"whole file suffix", "bytes=-1000", 1000, []ByteRange{{0, 999}}},
		{"single byte", "bytes=999-999", 1000, []ByteRange{{999, 999}}},
		{"two ranges", "bytes=0-499,600-999", 1000, []ByteRange{{0, 499}, {600, 999}}},
		{"overlapping kept in order", "bytes=600-700,0-650", 1000, []ByteRange{{600, 700}, {0, 650}}},
		{"spaces around specs", "bytes=0-1, 5-6,\t-2", 10, []ByteRange{{0, 1}, {5, 6}, {8, 9}}},
		{"end past file", "bytes=0-999999", 1000, nil},
		{"not a number", "bytes=abc", 1000, nil},
		{"missing unit", "0-499", 1000, nil},
		{"other unit", "items=0-1", 1000, nil},
		{"empty header", "", 1000, nil},
		{"no specs", "bytes=", 1000, nil},
		{"empty spec", "bytes=0-1,,2-3", 1000, nil},
		{"dash alone", "bytes=-", 1000, nil},
		{"begin after end", "bytes=500-499", 1000, nil},
		{"suffix longer than file", "bytes=-1001", 1000, nil},
		{"zero suffix", "bytes=-0", 1000, nil},
		{"start at total", "bytes=1000-", 1000, nil},
		{"two dashes", "bytes=1-2-3", 1000, nil},
		{"negative looking", "bytes=--5", 1000, nil},
		{"one bad spec spoils all", "bytes=0-1,x", 1000, nil},
		{"overflow", "bytes=0-99999999999999999999", 1000, nil},
		{"empty file", "bytes=0-", 0, nil},
		{"inner space", "bytes=0 -1", 1000, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.total)
			if tt.want == nil {
				if err == nil {
					t.Errorf("ParseRange(%q, %d) = %v, want error", tt.header, tt.total, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange(%q, %d): %v", tt.header, tt.total, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRange(%q, %d) = %v, want %v", tt.header, tt.total, got, tt.want)
			}
		})
	}
}

func TestByteRange(t *testing.T) {
	t.Parallel()

	r := ByteRange{Start: 500, End: 999}
	if r.Length() != 500 {
		t.Errorf("Length() = %d, want 500", r.Length())
	}
	if got := r.ContentRange(1000); got != "bytes 500-999/1000" {
		t.Errorf("ContentRange() = %q", got)
	}
}
