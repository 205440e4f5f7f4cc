package session

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// validatePrivateKey checks that a PEM private key parses, decrypting with
// the passphrase when one is given. The key material never leaves the
// process here; only the parse result matters.
func validatePrivateKey(key, passphrase string) error {
	var err error
	if passphrase != "" {
		_, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
	} else {
		_, err = ssh.ParsePrivateKey([]byte(key))
	}
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	return nil
}
