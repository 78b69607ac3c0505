package cryptobox

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("a-very-secret-value")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	plaintext := []byte("mtproto-session-bytes-go-here")
	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	box1, _ := NewBox("secret-one")
	box2, _ := NewBox("secret-two")

	sealed, err := box1.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := box2.Open(sealed); err != ErrSessionCorrupt {
		t.Fatalf("expected ErrSessionCorrupt, got %v", err)
	}
}

func TestOpenMalformedPayload(t *testing.T) {
	box, _ := NewBox("secret")

	cases := []string{"", "not-enough-parts", "aa:bb", "zz:zz:zz"}
	for _, c := range cases {
		if _, err := box.Open(c); err != ErrSessionCorrupt {
			t.Errorf("payload %q: expected ErrSessionCorrupt, got %v", c, err)
		}
	}
}
