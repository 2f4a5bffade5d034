package storage

import "testing"

func TestPaymentProofPath(t *testing.T) {
	got, err := PaymentProofPath("PA-01HX", "01J0UPLOAD", "Comprobante.JPG")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "payments/orders/PA-01HX/01J0UPLOAD.jpg"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestPaymentProofPathWithoutFileName(t *testing.T) {
	got, err := PaymentProofPath("PA-1", "u1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "payments/orders/PA-1/u1"; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestPaymentProofPathRejectsInvalidSegments(t *testing.T) {
	cases := []struct{ code, id, file string }{
		{"../bad", "u1", "a.png"},
		{"PA-1", "", "a.png"},
		{"PA-1", "u/1", "a.png"},
		{"PA-1", "u1", "../a.png"},
	}
	for _, tc := range cases {
		if _, err := PaymentProofPath(tc.code, tc.id, tc.file); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
}
