// Package vault defines the contract for secure storage of private key
// material. Implementations typically wrap an OS keychain.
package vault

import "errors"

var ErrNotFound = errors.New("vault: not found")

type Vault interface {
	Store(identifier string, secret []byte) error
	// Get returns the secret for identifier, or ErrNotFound.
	Get(identifier string) ([]byte, error)
	Delete(identifier string) error
}
