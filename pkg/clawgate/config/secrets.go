package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "clawgate"

	// KeyringGatewayToken is the keyring entry holding the gateway token.
	KeyringGatewayToken = "gateway_token"

	// EnvGatewayToken overrides the gateway token from the environment.
	EnvGatewayToken = "CLAWGATE_GATEWAY_TOKEN"
)

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent or the
// keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring. Deleting a missing
// secret is not an error.
func DeleteKeyring(key string) error {
	if err := keyring.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// ResolveSecrets fills the gateway token. Priority: a literal value in the
// config file, then CLAWGATE_GATEWAY_TOKEN, then the OS keyring. An
// unexpanded ${...} reference counts as unset.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	auth := &cfg.Gateway.Auth
	if auth.Token != "" && !isEnvReference(auth.Token) {
		logger.Debug("gateway token loaded from config")
		return
	}
	auth.Token = ""
	if v := strings.TrimSpace(os.Getenv(EnvGatewayToken)); v != "" {
		auth.Token = v
		logger.Debug("gateway token loaded from environment")
		return
	}
	if v := GetKeyring(KeyringGatewayToken); v != "" {
		auth.Token = v
		logger.Debug("gateway token loaded from OS keyring")
	}
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// ReadPassword prompts on stderr and reads a line from the terminal
// without echo.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
