package filters

import (
	"testing"

	"tgmirror/internal/model"
)

func TestMatchesDisabledNeverFilters(t *testing.T) {
	e := New(func() string { return "spam" })
	if e.Matches(model.FilterModeDisabled, "anything", "this is spam") {
		t.Fatal("disabled mode must never filter")
	}
}

func TestMatchesCustomCaseInsensitive(t *testing.T) {
	e := New(func() string { return "" })
	if !e.Matches(model.FilterModeCustom, "Crypto\nNFT", "check out this CRYPTO giveaway") {
		t.Fatal("expected custom keyword match")
	}
	if e.Matches(model.FilterModeCustom, "Crypto\nNFT", "totally unrelated text") {
		t.Fatal("unexpected match")
	}
}

func TestMatchesInheritUsesGlobal(t *testing.T) {
	e := New(func() string { return "airdrop" })
	if !e.Matches(model.FilterModeInherit, "ignored-per-mode", "free airdrop today") {
		t.Fatal("expected inherit to consult global keywords")
	}
}

func TestMatchesEmptyTextNeverFiltered(t *testing.T) {
	e := New(func() string { return "x" })
	if e.Matches(model.FilterModeCustom, "x", "") {
		t.Fatal("empty text must never be filtered")
	}
}

func TestMatchesBlankLinesIgnored(t *testing.T) {
	e := New(func() string { return "" })
	m := e.Matches(model.FilterModeCustom, "\n\n  \nfoo\n\n", "a foo b")
	if !m {
		t.Fatal("expected match despite blank lines in keyword list")
	}
}
