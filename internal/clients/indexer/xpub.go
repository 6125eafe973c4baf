package indexer

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/orangewallet/internal/credential"
)

const (
	externalChain uint32 = 0
	internalChain uint32 = 1
)

// DeriveAddress encodes the address at chain/index below an extended public key.
func DeriveAddress(key *hdkeychain.ExtendedKey, script credential.ScriptType, chain, index uint32, params *chaincfg.Params) (string, error) {
	branch, err := key.Derive(chain)
	if err != nil {
		return "", errors.Wrapf(err, "derive chain %d", chain)
	}
	child, err := branch.Derive(index)
	if err != nil {
		return "", errors.Wrapf(err, "derive index %d", index)
	}
	return encodeChild(child, script, params)
}

func encodeChild(child *hdkeychain.ExtendedKey, script credential.ScriptType, params *chaincfg.Params) (string, error) {
	pub, err := child.ECPubKey()
	if err != nil {
		return "", errors.Wrap(err, "child public key")
	}
	hash := btcutil.Hash160(pub.SerializeCompressed())

	var addr btcutil.Address
	switch script {
	case credential.ScriptP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, params)
	case credential.ScriptP2SHP2WPKH:
		redeem := append([]byte{0x00, 0x14}, hash...)
		addr, err = btcutil.NewAddressScriptHash(redeem, params)
	default:
		addr, err = btcutil.NewAddressPubKeyHash(hash, params)
	}
	if err != nil {
		return "", errors.Wrap(err, "encode address")
	}
	return addr.EncodeAddress(), nil
}

// scanExtendedKey walks the receive and change chains until GapLimit
// consecutive unused addresses, or MaxAddresses per chain, and sums them.
func (e *Esplora) scanExtendedKey(ctx context.Context, cred credential.Credential) (Balance, error) {
	key, err := hdkeychain.NewKeyFromString(cred.Normalized)
	if err != nil {
		return Balance{}, errors.Wrap(err, "parse extended key")
	}
	if key.IsPrivate() {
		return Balance{}, errors.New("refusing to scan a private extended key")
	}

	var results [2]Balance
	g, gctx := errgroup.WithContext(ctx)
	for i, chain := range []uint32{externalChain, internalChain} {
		g.Go(func() error {
			b, err := e.scanChain(gctx, key, cred.Script, chain)
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Balance{}, err
	}

	total := Balance{}
	for _, b := range results {
		total.Sats += b.Sats
		total.TxCount += b.TxCount
		total.Addresses += b.Addresses
	}

	e.l.Debug("extended key scanned",
		zap.String("script", string(cred.Script)),
		zap.Int("addresses", total.Addresses),
		zap.Int64("balance_sats", total.Sats))

	return total, nil
}

func (e *Esplora) scanChain(ctx context.Context, key *hdkeychain.ExtendedKey, script credential.ScriptType, chain uint32) (Balance, error) {
	branch, err := key.Derive(chain)
	if err != nil {
		return Balance{}, errors.Wrapf(err, "derive chain %d", chain)
	}

	var (
		total Balance
		gap   int
	)
	for index := uint32(0); total.Addresses < e.cfg.MaxAddresses && gap < e.cfg.GapLimit; index++ {
		child, err := branch.Derive(index)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			continue
		}
		if err != nil {
			return Balance{}, errors.Wrapf(err, "derive %d/%d", chain, index)
		}
		addr, err := encodeChild(child, script, e.classifier.Params())
		if err != nil {
			return Balance{}, err
		}

		s, err := e.address(ctx, addr)
		if err != nil {
			return Balance{}, err
		}
		total.Addresses++
		total.Sats += s.balance()
		total.TxCount += s.TxCount

		if s.TxCount == 0 {
			gap++
		} else {
			gap = 0
		}
	}
	return total, nil
}
