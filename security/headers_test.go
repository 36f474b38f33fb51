package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		https    bool
		wantHSTS bool
	}{
		{name: "HTTPS", https: true, wantHSTS: true},
		{name: "HTTP", https: false, wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.https)

			want := map[string]string{
				"X-Frame-Options":        "DENY",
				"X-Content-Type-Options": "nosniff",
				"Referrer-Policy":        "no-referrer",
				"Cache-Control":          "no-store",
				"Pragma":                 "no-cache",
			}
			for header, value := range want {
				if got := w.Header().Get(header); got != value {
					t.Errorf("%s = %q, want %q", header, got, value)
				}
			}

			hsts := w.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS && hsts == "" {
				t.Error("expected Strict-Transport-Security header")
			}
			if !tt.wantHSTS && hsts != "" {
				t.Errorf("unexpected Strict-Transport-Security = %q", hsts)
			}
		})
	}
}
