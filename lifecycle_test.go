package tunnel

import "testing"

func TestValidateHostnameFormat(t *testing.T) {
	cases := []struct {
		hostname string
		wantErr  bool
	}{
		{"app.example.com", false},
		{"sub.app.example.com", false},
		{"", true},
		{"*.example.com", true},
		{"not a hostname", true},
		{"-bad.example.com", true},
	}
	for _, c := range cases {
		err := ValidateHostnameFormat(c.hostname)
		if c.wantErr && err == nil {
			t.Errorf("ValidateHostnameFormat(%q) = nil, want error", c.hostname)
		}
		if !c.wantErr && err != nil {
			t.Errorf("ValidateHostnameFormat(%q) = %v, want nil", c.hostname, err)
		}
	}
}

func TestApexTakesLastTwoLabels(t *testing.T) {
	cases := map[string]string{
		"app.example.com":     "example.com",
		"a.b.c.example.com":   "example.com",
		"example.com":         "example.com",
		"app.example.co.uk":   "co.uk", // documented limitation: no public-suffix-list awareness
	}
	for in, want := range cases {
		if got := apex(in); got != want {
			t.Errorf("apex(%q) = %q, want %q", in, got, want)
		}
	}
}
