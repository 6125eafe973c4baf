package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

const (
	fixtureP2PKH  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	fixtureP2SH   = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"
	fixtureBech32 = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	fixtureXPub   = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	fixtureYPub   = "ypub6QqdH2c5z7967BioGSfAWFHM1EHzHPBZK7wrND3ZpEWFtzmCqvsD1bgpaE6pSAPkiSKhkuWPCJV6mZTSNMd2tK8xYTcJ48585pZecmSUzWp"
	fixtureZPub   = "zpub6jftahH18ngZxUuv6oSniLNrBCSSE1B4EEU59bwTCEt8x6aS6b2mdfLxbS4QS53g85SWWP6wexqeer516433gYpZQoJie2tcMYdJ1SYYYAL"
	fixtureTPub   = "tpubD6NzVbkrYhZ4XgiXtGrdW5XDAPFCL9h7we1vwNCpn8tGbBcgfVYjXyhWo4E1xkh56hjod1RhGjxbaTLV3X4FyWuejifB9jusQ46QzG87VKp"
	fixtureVPub   = "vpub5SLqN2bLY4WeZJ9SmNJHsyzqVKreTXD4ZnPC22MugDNcjhKX5xNX9QiQWcE4SSRzVWyHWUihpKRT7hckDGNzVc69wSX2JPcfGeNiT5c2XZy"
)

func TestClassify_Mainnet(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantKind       domain.CredentialKind
		wantNormalized string
		wantScript     ScriptType
	}{
		{name: "legacy address", raw: fixtureP2PKH, wantKind: domain.CredentialAddress, wantNormalized: fixtureP2PKH, wantScript: ScriptP2PKH},
		{name: "script hash address", raw: fixtureP2SH, wantKind: domain.CredentialAddress, wantNormalized: fixtureP2SH, wantScript: ScriptP2SH},
		{name: "segwit address", raw: fixtureBech32, wantKind: domain.CredentialAddress, wantNormalized: fixtureBech32, wantScript: ScriptSegwit},
		{name: "segwit address from product", raw: "bc1qgsup75ajy4rln08j0te9wpdgrf46ctx6w94xzq", wantKind: domain.CredentialAddress, wantNormalized: "bc1qgsup75ajy4rln08j0te9wpdgrf46ctx6w94xzq", wantScript: ScriptSegwit},
		{name: "uppercase segwit is lowercased", raw: "BC1QW508D6QEJXTDG4Y5R3ZARVARY0C5XW7KV8F3T4", wantKind: domain.CredentialAddress, wantNormalized: fixtureBech32, wantScript: ScriptSegwit},
		{name: "surrounding whitespace is trimmed", raw: "  \t" + fixtureP2PKH + "\n", wantKind: domain.CredentialAddress, wantNormalized: fixtureP2PKH, wantScript: ScriptP2PKH},
		{name: "xpub", raw: fixtureXPub, wantKind: domain.CredentialXPub, wantNormalized: fixtureXPub, wantScript: ScriptP2PKH},
		{name: "ypub", raw: fixtureYPub, wantKind: domain.CredentialXPub, wantNormalized: fixtureYPub, wantScript: ScriptP2SHP2WPKH},
		{name: "zpub", raw: fixtureZPub, wantKind: domain.CredentialXPub, wantNormalized: fixtureZPub, wantScript: ScriptP2WPKH},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := Classify(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, cred.Kind)
			assert.Equal(t, tt.wantNormalized, cred.Normalized)
			assert.Equal(t, tt.wantScript, cred.Script)
		})
	}
}

func TestClassify_Rejects(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		for _, raw := range []string{"", "   ", "\n\t"} {
			_, err := Classify(raw)
			assert.ErrorIs(t, err, domain.ErrEmptyCredential)
		}
	})

	garbage := map[string]string{
		"plain text":          "hello world",
		"ethereum address":    "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		"too short legacy":    "1A1zP1eP5QGef",
		"too long legacy":     fixtureP2PKH + "abcdef",
		"base58 excluded 0":   "1A1zP1eP5QGefi2DMPTfTL5SLmv7Divf0a",
		"mixed case segwit":   "bc1qW508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		"segwit bad charset":  "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3tb",
		"truncated xpub":      fixtureXPub[:100],
		"extended private":    "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi",
		"testnet on mainnet":  "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
		"tpub on mainnet":     fixtureTPub,
		"prefix only":         "bc1",
		"unicode lookalike":   "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3tё",
		"address with spaces": "1A1zP1eP5QGefi2 DMPTfTL5SLmv7DivfNa",
	}
	for name, raw := range garbage {
		t.Run(name, func(t *testing.T) {
			_, err := Classify(raw)
			assert.ErrorIs(t, err, domain.ErrInvalidCredential)
		})
	}
}

func TestClassify_Testnet(t *testing.T) {
	c, err := New("testnet", false)
	require.NoError(t, err)

	tests := []struct {
		raw        string
		wantKind   domain.CredentialKind
		wantScript ScriptType
	}{
		{raw: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", wantKind: domain.CredentialAddress, wantScript: ScriptSegwit},
		{raw: "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", wantKind: domain.CredentialAddress, wantScript: ScriptP2PKH},
		{raw: "2MzQwSSnBHWHqSAqtTVQ6v47XtaisrJa1Vc", wantKind: domain.CredentialAddress, wantScript: ScriptP2SH},
		{raw: fixtureTPub, wantKind: domain.CredentialXPub, wantScript: ScriptP2PKH},
		{raw: fixtureVPub, wantKind: domain.CredentialXPub, wantScript: ScriptP2WPKH},
	}
	for _, tt := range tests {
		t.Run(tt.raw[:8], func(t *testing.T) {
			cred, err := c.Classify(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, cred.Kind)
			assert.Equal(t, tt.wantScript, cred.Script)
		})
	}

	for _, raw := range []string{fixtureP2PKH, fixtureBech32, fixtureXPub} {
		_, err := c.Classify(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidCredential, raw)
	}
}

func TestClassify_Strict(t *testing.T) {
	c, err := New("mainnet", true)
	require.NoError(t, err)

	for _, raw := range []string{fixtureP2PKH, fixtureP2SH, fixtureBech32, fixtureXPub, fixtureZPub} {
		_, err := c.Classify(raw)
		assert.NoError(t, err, raw)
	}

	badChecksum := []string{
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb",
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t5",
		fixtureXPub[:len(fixtureXPub)-1] + "9",
	}
	for _, raw := range badChecksum {
		t.Run(raw[:8], func(t *testing.T) {
			_, err := c.Classify(raw)
			assert.ErrorIs(t, err, domain.ErrInvalidCredential)

			// the syntactic gate alone accepts it
			_, err = Classify(raw)
			assert.NoError(t, err)
		})
	}
}

func TestNetworkParams(t *testing.T) {
	for _, name := range []string{"mainnet", "testnet", "signet", "regtest", ""} {
		params, err := NetworkParams(name)
		require.NoError(t, err, name)
		assert.NotNil(t, params)
	}

	_, err := NetworkParams("litecoin")
	assert.Error(t, err)

	regtest, err := New("regtest", false)
	require.NoError(t, err)
	assert.Equal(t, "regtest", regtest.Params().Name)
}
