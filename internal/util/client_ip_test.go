package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{
			name:   "socket address",
			remote: "10.1.2.3:5555",
			want:   "10.1.2.3",
		},
		{
			name:       "first forwarded hop",
			remote:     "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.7"},
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "unknown forwarded hop falls through to real ip",
			remote:     "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "198.51.100.4"},
			trustProxy: true,
			want:       "198.51.100.4",
		},
		{
			name:    "proxy headers ignored when untrusted",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "10.0.0.1",
		},
		{
			name:   "ipv6 socket address",
			remote: "[2001:db8::1]:443",
			want:   "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeIP(t *testing.T) {
	for in, want := range map[string]string{
		" 1.2.3.4 ":      "1.2.3.4",
		"UNKNOWN":        "",
		"not-an-ip":      "",
		"":               "",
		"::ffff:1.2.3.4": "1.2.3.4",
	} {
		if got := NormalizeIP(in); got != want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", in, got, want)
		}
	}
}
