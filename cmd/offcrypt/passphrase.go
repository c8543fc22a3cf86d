package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/fcwoknhenuxdfiyv/offcrypto"
	"golang.org/x/term"
)

const passwordEnvVar = "OFFCRYPT_PASSWORD"

// getPassword resolves the password from the -p flag, the environment, or
// an interactive prompt, in that order.
func getPassword(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if envPass := os.Getenv(passwordEnvVar); envPass != "" {
		return envPass, nil
	}
	pw, err := readPassword(prompt)
	if err != nil {
		return "", err
	}
	return pw, nil
}

func getPasswordWithConfirm(flagValue, prompt, confirmPrompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if envPass := os.Getenv(passwordEnvVar); envPass != "" {
		return envPass, nil
	}
	pw, err := readPassword(prompt)
	if err != nil {
		return "", err
	}
	confirm, err := readPassword(confirmPrompt)
	if err != nil {
		return "", err
	}
	if pw != confirm {
		return "", fmt.Errorf("passwords do not match")
	}
	return pw, nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		s := string(pw)
		offcrypto.Zeroize(pw)
		return s, nil
	}

	// stdin is piped, read one line
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %v (set %s instead)", err, passwordEnvVar)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
