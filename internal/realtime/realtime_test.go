package realtime

import "testing"

func TestPreviewTextTruncates(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := previewText(string(long))
	if len([]rune(got)) != 200 {
		t.Errorf("len = %d, want 200", len([]rune(got)))
	}
}

func TestPreviewTextShortUnchanged(t *testing.T) {
	if got := previewText("hello"); got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}
