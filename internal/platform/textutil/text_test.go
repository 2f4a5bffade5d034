package textutil

import "testing"

func TestFold(t *testing.T) {
	cases := map[string]string{
		"  YES ":  "yes",
		"No":      "no",
		"\tyEs\n": "yes",
		"":        "",
	}
	for input, want := range cases {
		if got := Fold(input); got != want {
			t.Fatalf("Fold(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestPlainTextStripsMarkup(t *testing.T) {
	got := PlainText("  <b>Sin</b> stock <script>alert(1)</script> ", 0)
	if got != "Sin stock" {
		t.Fatalf("expected markup stripped, got %q", got)
	}
}

func TestPlainTextKeepsEntitiesReadable(t *testing.T) {
	got := PlainText("Calle 5 & Carrera 7", 0)
	if got != "Calle 5 & Carrera 7" {
		t.Fatalf("expected ampersand preserved, got %q", got)
	}
}

func TestPlainTextTruncatesRunes(t *testing.T) {
	got := PlainText("ñandú del huila", 5)
	if got != "ñandú" {
		t.Fatalf("expected rune aware truncation, got %q", got)
	}
}
