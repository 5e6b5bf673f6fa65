package delivery

import "testing"

func TestClean(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"ansi color", "\x1b[31merror\x1b[0m done", "error done"},
		{"ansi cursor", "\x1b[2K\x1b[1Gprogress", "progress"},
		{"osc title", "\x1b]0;title\x07body", "body"},
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"blank runs", "a\n\n\n\n\nb", "a\n\nb"},
		{"double newline kept", "a\n\nb", "a\n\nb"},
		{"trim", "  \n hello \n\n", "hello"},
		{"empty", "\x1b[0m \n", ""},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Errorf("%s: Clean(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}
