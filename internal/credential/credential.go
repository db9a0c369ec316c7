// Package credential holds the operator-controlled signing identities. A
// Credential is loaded once at startup and passed explicitly to the components
// that sign; its key material never leaves the value.
package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var ErrEmptyMnemonic = errors.New("credential: empty mnemonic")

type Credential struct {
	name    string
	address types.Address
	key     ed25519.PrivateKey
}

// FromMnemonic derives a credential from a 25-word account mnemonic.
func FromMnemonic(name, phrase string) (*Credential, error) {
	phrase = strings.Join(strings.Fields(phrase), " ")
	if phrase == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyMnemonic)
	}

	sk, err := mnemonic.ToPrivateKey(phrase)
	if err != nil {
		return nil, fmt.Errorf("%s: decode mnemonic: %w", name, err)
	}

	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%s: derive account: %w", name, err)
	}

	return &Credential{name: name, address: account.Address, key: sk}, nil
}

// Generate creates a throwaway credential. Used by tests and local tooling.
func Generate(name string) *Credential {
	account := crypto.GenerateAccount()
	return &Credential{name: name, address: account.Address, key: account.PrivateKey}
}

func (c *Credential) Name() string {
	return c.name
}

func (c *Credential) Address() string {
	return c.address.String()
}

func (c *Credential) SignTransaction(tx types.Transaction) (string, []byte, error) {
	return crypto.SignTransaction(c.key, tx)
}

func (c *Credential) String() string {
	return fmt.Sprintf("%s(%s)", c.name, c.address.String())
}

func (c *Credential) GoString() string {
	return c.String()
}
