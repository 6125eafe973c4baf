// Package credential classifies user-supplied bitcoin receiving credentials.
//
// Classification is a syntactic gate run before any indexer call or store write.
// In strict mode the classifier additionally decodes the credential and checks
// its checksum and network.
package credential

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

const (
	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	bech32Charset  = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	minBase58AddressLen = 26
	maxBase58AddressLen = 35
	minBech32AddressLen = 14
	maxBech32AddressLen = 74
	extendedKeyLen      = 111
)

// ScriptType is the output script a credential pays to.
// For extended keys it determines how child addresses are encoded.
type ScriptType string

const (
	ScriptP2PKH      ScriptType = "p2pkh"
	ScriptP2SH       ScriptType = "p2sh"
	ScriptP2SHP2WPKH ScriptType = "p2sh-p2wpkh"
	ScriptSegwit     ScriptType = "segwit"
	ScriptP2WPKH     ScriptType = "p2wpkh"
)

// Credential is a classified credential.
type Credential struct {
	Kind       domain.CredentialKind
	Normalized string
	Script     ScriptType
}

// Classifier recognizes the address and extended key families of one network.
type Classifier struct {
	params       *chaincfg.Params
	strict       bool
	base58Prefix map[byte]ScriptType
	bech32Prefix string
	keyPrefix    map[string]ScriptType
}

var defaultClassifier = mustNew("mainnet", false)

// ClassifierFunc adapts a plain function to the Classify method set.
type ClassifierFunc func(raw string) (Credential, error)

func (f ClassifierFunc) Classify(raw string) (Credential, error) {
	return f(raw)
}

// Classify classifies raw against mainnet rules without checksum validation.
func Classify(raw string) (Credential, error) {
	return defaultClassifier.Classify(raw)
}

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.Errorf("unsupported network %q", network)
	}
}

// New creates a classifier for network. With strict set, credentials are decoded
// and their checksum and network verified.
func New(network string, strict bool) (*Classifier, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		params:       params,
		strict:       strict,
		bech32Prefix: params.Bech32HRPSegwit + "1",
	}

	if params.Net == chaincfg.MainNetParams.Net {
		c.base58Prefix = map[byte]ScriptType{'1': ScriptP2PKH, '3': ScriptP2SH}
		c.keyPrefix = map[string]ScriptType{"xpub": ScriptP2PKH, "ypub": ScriptP2SHP2WPKH, "zpub": ScriptP2WPKH}
	} else {
		c.base58Prefix = map[byte]ScriptType{'m': ScriptP2PKH, 'n': ScriptP2PKH, '2': ScriptP2SH}
		c.keyPrefix = map[string]ScriptType{"tpub": ScriptP2PKH, "upub": ScriptP2SHP2WPKH, "vpub": ScriptP2WPKH}
	}

	return c, nil
}

func mustNew(network string, strict bool) *Classifier {
	c, err := New(network, strict)
	if err != nil {
		panic(err)
	}
	return c
}

// Params returns the chain parameters the classifier was built for.
func (c *Classifier) Params() *chaincfg.Params {
	return c.params
}

// Classify trims raw and decides whether it is an address or an extended public key.
func (c *Classifier) Classify(raw string) (Credential, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Credential{}, domain.ErrEmptyCredential
	}

	if cred, ok := c.classifyExtendedKey(s); ok {
		if c.strict {
			if err := c.verifyExtendedKey(cred.Normalized); err != nil {
				return Credential{}, err
			}
		}
		return cred, nil
	}

	if cred, ok := c.classifyAddress(s); ok {
		if c.strict {
			if err := c.verifyAddress(cred.Normalized); err != nil {
				return Credential{}, err
			}
		}
		return cred, nil
	}

	return Credential{}, errors.Wrapf(domain.ErrInvalidCredential, "unrecognized credential %q", truncate(s))
}

func (c *Classifier) classifyExtendedKey(s string) (Credential, bool) {
	if len(s) != extendedKeyLen {
		return Credential{}, false
	}
	script, ok := c.keyPrefix[s[:4]]
	if !ok || !onlyChars(s, base58Alphabet) {
		return Credential{}, false
	}
	return Credential{Kind: domain.CredentialXPub, Normalized: s, Script: script}, true
}

func (c *Classifier) classifyAddress(s string) (Credential, bool) {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, c.bech32Prefix) {
		// bech32 is case-insensitive but must not mix cases
		if s != lower && s != strings.ToUpper(s) {
			return Credential{}, false
		}
		if len(lower) < minBech32AddressLen || len(lower) > maxBech32AddressLen {
			return Credential{}, false
		}
		if !onlyChars(lower[len(c.bech32Prefix):], bech32Charset) {
			return Credential{}, false
		}
		return Credential{Kind: domain.CredentialAddress, Normalized: lower, Script: ScriptSegwit}, true
	}

	script, ok := c.base58Prefix[s[0]]
	if !ok {
		return Credential{}, false
	}
	if len(s) < minBase58AddressLen || len(s) > maxBase58AddressLen || !onlyChars(s, base58Alphabet) {
		return Credential{}, false
	}
	return Credential{Kind: domain.CredentialAddress, Normalized: s, Script: script}, true
}

func (c *Classifier) verifyAddress(s string) error {
	addr, err := btcutil.DecodeAddress(s, c.params)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidCredential, "decode address: %v", err)
	}
	if !addr.IsForNet(c.params) {
		return errors.Wrapf(domain.ErrInvalidCredential, "address is not for %s", c.params.Name)
	}
	return nil
}

func (c *Classifier) verifyExtendedKey(s string) error {
	key, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidCredential, "decode extended key: %v", err)
	}
	if key.IsPrivate() {
		return errors.Wrap(domain.ErrInvalidCredential, "extended private keys are not accepted")
	}
	return nil
}

func onlyChars(s, alphabet string) bool {
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// truncate keeps error messages short for long garbage input.
func truncate(s string) string {
	const maxLen = 24
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
