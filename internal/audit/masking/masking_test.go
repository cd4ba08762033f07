package masking

import "testing"

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                             "",
		"abc":                          "****",
		"dl_live_K1_0123456789abcdef":  "dl_live_K1_****cdef",
		"deadbeefcafe":                 "****cafe",
		"  padded-secret-value-1234  ": "****1234",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetailsMasksCredentialKeys(t *testing.T) {
	got := Details(map[string]any{
		"payment_id": "123456789",
		"sign":       "abcdef0123456789",
		"":           "dropped",
		"days":       30,
		"provider": map[string]any{
			"auth_token": "tok_secretvalue",
			"status":     "success",
		},
	})

	if got["payment_id"] != "123456789" {
		t.Fatalf("non-secret value changed: %v", got["payment_id"])
	}
	if got["sign"] != "****6789" {
		t.Fatalf("sign not masked: %v", got["sign"])
	}
	if _, ok := got[""]; ok {
		t.Fatalf("empty key kept")
	}
	if got["days"] != 30 {
		t.Fatalf("non-string value changed: %v", got["days"])
	}
	nested, ok := got["provider"].(map[string]any)
	if !ok {
		t.Fatalf("nested map missing: %T", got["provider"])
	}
	if nested["auth_token"] != "tok_****alue" || nested["status"] != "success" {
		t.Fatalf("nested masking wrong: %v", nested)
	}
}
