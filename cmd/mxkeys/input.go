package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gwillem/mxkeys"
	"github.com/gwillem/mxkeys/internal/keyderive"
)

// readLine reads one line from r, without the line terminator. A final line
// without a newline is accepted.
func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret reads a line from stdin without echo when stdin is a terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := readLine(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return line, nil
}

// parseInput treats s as a recovery key if it decodes as one, and as a
// passphrase otherwise.
func parseInput(s string) mxkeys.Input {
	s = strings.TrimSpace(s)
	if key, err := keyderive.DecodeRecoveryKey(s); err == nil {
		keyderive.Zero(key)
		return mxkeys.Input{RecoveryKey: s}
	}
	return mxkeys.Input{Passphrase: s}
}

// promptInput asks on the terminal for a passphrase or recovery key.
func promptInput(ctx context.Context, keyID string, info *mxkeys.KeyInfo) (mxkeys.Input, error) {
	name := keyID
	if info != nil && info.Name != "" {
		name = fmt.Sprintf("%s (%s)", info.Name, keyID)
	}
	if info != nil && info.Passphrase != nil {
		fmt.Fprintf(os.Stderr, "Passphrase or recovery key for %s: ", name)
	} else {
		fmt.Fprintf(os.Stderr, "Recovery key for %s: ", name)
	}
	s, err := readSecret()
	if err != nil {
		return mxkeys.Input{}, err
	}
	return parseInput(s), nil
}
