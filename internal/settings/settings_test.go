package settings

import "testing"

func TestDefaultSnapshotValues(t *testing.T) {
	s := defaultSnapshot()
	if s.MaxRetryCount != 3 {
		t.Errorf("MaxRetryCount default = %d, want 3", s.MaxRetryCount)
	}
	if !s.SkipProtectedContent {
		t.Error("SkipProtectedContent should default true")
	}
	if s.MirrorIntervalMs != 1000 {
		t.Errorf("MirrorIntervalMs default = %d, want 1000", s.MirrorIntervalMs)
	}
}

func TestDecodeIntIgnoresMissingKey(t *testing.T) {
	raw := map[string][]byte{}
	v := 42
	decodeInt(raw, "max_retry_count", &v)
	if v != 42 {
		t.Errorf("decodeInt should leave value untouched on missing key, got %d", v)
	}
}

func TestDecodeIntOverridesOnPresentKey(t *testing.T) {
	raw := map[string][]byte{"max_retry_count": []byte("5")}
	v := 3
	decodeInt(raw, "max_retry_count", &v)
	if v != 5 {
		t.Errorf("decodeInt = %d, want 5", v)
	}
}
