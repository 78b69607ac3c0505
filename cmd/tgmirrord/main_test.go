package main

import (
	"errors"
	"testing"

	"tgmirror/internal/cryptobox"
	"tgmirror/internal/supervisor"
)

func TestExitForBootErrorSessionCorrupt(t *testing.T) {
	err := &supervisor.SessionCorruptError{Err: cryptobox.ErrSessionCorrupt}
	if got := exitForBootError(err); got != exitSessionCorrupt {
		t.Errorf("got %d, want %d", got, exitSessionCorrupt)
	}
}

func TestExitForBootErrorMigration(t *testing.T) {
	err := &supervisor.MigrationError{Err: errors.New("boom")}
	if got := exitForBootError(err); got != exitMigrationMismatch {
		t.Errorf("got %d, want %d", got, exitMigrationMismatch)
	}
}

func TestExitForBootErrorGeneric(t *testing.T) {
	if got := exitForBootError(errors.New("bad config")); got != exitConfigError {
		t.Errorf("got %d, want %d", got, exitConfigError)
	}
}
