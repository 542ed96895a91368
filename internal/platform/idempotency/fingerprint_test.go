package idempotency

import "testing"

func TestFingerprint_KeyOrderAndWhitespace(t *testing.T) {
	a := Fingerprint("POST", "/api/v1/queue/enter", []byte(`{"clinic":"LAB","patient":"P-1"}`))
	b := Fingerprint("post", "/api/v1/queue/enter", []byte("{ \"patient\": \"P-1\",\n  \"clinic\": \"LAB\" }"))
	if a != b {
		t.Errorf("expected equal fingerprints, got %s and %s", a, b)
	}
}

func TestFingerprint_EndpointNormalization(t *testing.T) {
	body := []byte(`{"clinic":"LAB"}`)
	a := Fingerprint("POST", "/api/v1/pin/assign", body)

	for _, ep := range []string{"/API/v1/pin/assign", "/api/v1/pin/assign/", "/api/v1/pin/assign?x=1"} {
		if got := Fingerprint("POST", ep, body); got != a {
			t.Errorf("endpoint %q: fingerprint differs", ep)
		}
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	base := Fingerprint("POST", "/api/v1/queue/enter", []byte(`{"clinic":"LAB","patient":"P-1"}`))

	cases := map[string]string{
		"method":   Fingerprint("PUT", "/api/v1/queue/enter", []byte(`{"clinic":"LAB","patient":"P-1"}`)),
		"endpoint": Fingerprint("POST", "/api/v1/queue/done", []byte(`{"clinic":"LAB","patient":"P-1"}`)),
		"body":     Fingerprint("POST", "/api/v1/queue/enter", []byte(`{"clinic":"LAB","patient":"P-2"}`)),
		"number":   Fingerprint("POST", "/api/v1/queue/enter", []byte(`{"clinic":"LAB","patient":"P-1","n":1.0}`)),
	}
	for name, fp := range cases {
		if fp == base {
			t.Errorf("%s: expected a different fingerprint", name)
		}
	}
}

func TestFingerprint_NumbersKeepLiteralForm(t *testing.T) {
	a := Fingerprint("POST", "/x", []byte(`{"n":1.0}`))
	b := Fingerprint("POST", "/x", []byte(`{"n":1}`))
	if a == b {
		t.Error("1.0 and 1 should not collapse")
	}
}

func TestFingerprint_NonJSONBody(t *testing.T) {
	a := Fingerprint("POST", "/x", []byte("plain text"))
	b := Fingerprint("POST", "/x", []byte("plain text"))
	c := Fingerprint("POST", "/x", []byte("other text"))
	if a != b {
		t.Error("identical raw bodies must match")
	}
	if a == c {
		t.Error("different raw bodies must differ")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/Queue/Enter/":      "/queue/enter",
		"/queue/enter?a=b":   "/queue/enter",
		"/":                  "/",
		"  /pin/assign//  ":  "/pin/assign",
		"/route/P-1#section": "/route/p-1",
	}
	for in, want := range tests {
		if got := NormalizeEndpoint(in); got != want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithScope(t *testing.T) {
	fp := Fingerprint("POST", "/api/v1/queue/enter", []byte(`{"clinic":"LAB","patient":"P-1"}`))

	if got := WithScope(fp, ""); got != fp {
		t.Error("empty scope must leave the fingerprint unchanged")
	}
	a, b := WithScope(fp, "2026-03-01:settled:0"), WithScope(fp, "2026-03-01:settled:1")
	if a == fp || a == b {
		t.Error("each scope should yield its own fingerprint")
	}
	if WithScope(fp, "2026-03-01:settled:0") != a {
		t.Error("WithScope must be deterministic")
	}
}
