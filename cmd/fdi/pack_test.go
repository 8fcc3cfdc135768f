// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFormatData(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want []byte
	}{
		{"", nil, nil},
		{"v v", []string{"1", "300"}, []byte{1, 0xac, 0x02}},
		{"i i", []string{"-1", "64"}, []byte{1, 0x80, 0x01}},
		{"1 2 4", []string{"0xff", "258", "1"}, []byte{0xff, 2, 1, 1, 0, 0, 0}},
		{"> 2 < 2", []string{"258", "258"}, []byte{1, 2, 2, 1}},
		{"s r q", []string{"ab", "cd", `e\x00`}, []byte{2, 'a', 'b', 'c', 'd', 'e', 0}},
		{"% %", []string{"true", "false"}, []byte{1, 0}},
		{"f h", []string{"1", "1"}, []byte{0, 0, 0x80, 0x3f, 0, 0x3c}},
		{"v (v (r)) 1", []string{"9", "5", "xyz", "7"}, []byte{9, 5, 5, 3, 'x', 'y', 'z', 7}},
	}
	for _, tc := range tests {
		got, rest, err := formatData(tc.pat, tc.args)
		if err != nil {
			t.Errorf("formatData(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if len(rest) != 0 {
			t.Errorf("formatData(%q, %q): extra arguments %q", tc.pat, tc.args, rest)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("formatData(%q, %q) (-want, +got):\n%s", tc.pat, tc.args, diff)
		}
	}
}

func TestFormatDataErrors(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
	}{
		{"x", []string{"1"}},
		{"v", nil},
		{"1", []string{"256"}},
		{"(v", []string{"1"}},
		{"%", []string{"maybe"}},
		{"q", []string{`\z`}},
	}
	for _, tc := range tests {
		if got, _, err := formatData(tc.pat, tc.args); err == nil {
			t.Errorf("formatData(%q, %q): got %v, want error", tc.pat, tc.args, got)
		}
	}
}
