package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CDP_CONFIG_PATH: config file location (default: ~/.config/cdp.toml)
//   - CDP_HOME: base directory for cdp data (default: ~/.local/share/cdp)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking CDP_CONFIG_PATH env var first,
// then falling back to the default ~/.config/cdp.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("CDP_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "cdp.toml"), nil
}

// getBaseDir returns the base directory for cdp data, checking CDP_HOME env var first,
// then falling back to the XDG default ~/.local/share/cdp.
func getBaseDir() (string, error) {
	if path := os.Getenv("CDP_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "cdp"), nil
}

// ErrNoPassphrase is returned when the key passphrase is needed but neither
// CDP_PASSPHRASE nor a terminal can provide it.
var ErrNoPassphrase = errors.New("no passphrase: set CDP_PASSPHRASE or run from a terminal")

// Passphrase returns the passphrase that unlocks the age private key.
// CDP_PASSPHRASE wins; otherwise the user is prompted on the terminal.
func Passphrase() (string, error) {
	if p := os.Getenv("CDP_PASSPHRASE"); p != "" {
		return p, nil
	}
	return promptPassphrase("Passphrase: ")
}

// ReadNewPassphrase prompts twice for a new passphrase and checks that both
// entries agree. CDP_PASSPHRASE skips the prompt.
func ReadNewPassphrase() (string, error) {
	if p := os.Getenv("CDP_PASSPHRASE"); p != "" {
		return p, nil
	}
	first, err := promptPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	second, err := promptPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoPassphrase
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
