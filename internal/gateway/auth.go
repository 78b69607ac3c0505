package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// terminalAuthenticator implements auth.UserAuthenticator, prompting on the
// process's own stdin/stdout. The daemon only needs this once per account:
// after the first successful login the session is persisted encrypted
// (§4.4) and subsequent starts skip straight to Auth().Status.
type terminalAuthenticator struct {
	phone string
	rl    *readline.Instance
}

func newTerminalAuthenticator(phone string) (*terminalAuthenticator, error) {
	rl, err := readline.New("> ")
	if err != nil {
		return nil, fmt.Errorf("gateway: init readline: %w", err)
	}
	return &terminalAuthenticator{phone: phone, rl: rl}, nil
}

func (t *terminalAuthenticator) Close() error {
	if t.rl == nil {
		return nil
	}
	return t.rl.Close()
}

func (t *terminalAuthenticator) readLine(prompt string) (string, error) {
	t.rl.SetPrompt(prompt)
	line, err := t.rl.Readline()
	return strings.TrimSpace(line), err
}

func (t *terminalAuthenticator) Phone(_ context.Context) (string, error) {
	if t.phone != "" {
		return t.phone, nil
	}
	return t.readLine("Phone number: ")
}

func (t *terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return t.readLine("Login code: ")
}

func (t *terminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Print("2FA password: ")
	pw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func (t *terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service:\n%s\n", tos.Text)
	resp, err := t.readLine("Accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("gateway: terms of service not accepted")
	}
	return nil
}

func (t *terminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	// The account backing a mirror daemon is expected to already exist;
	// sign-up is not a supported flow here.
	return auth.UserInfo{}, errors.New("gateway: account sign-up is not supported, use an existing account")
}
