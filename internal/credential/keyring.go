package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailmirror"

// Well-known credential keys.
const (
	KeyIMAPPassword = "imap-password"
	KeyStoreToken   = "store-token"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailmirror/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailmirror-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Lookup returns fallback when it is non-empty, otherwise the keyring
// value for key. A missing keyring entry yields an empty string, never
// an error; configuration decides whether that is fatal.
func Lookup(fallback, key string) string {
	if fallback != "" {
		return fallback
	}
	value, err := Get(key)
	if err != nil {
		return ""
	}
	return value
}
