package keys

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/karmacadabra/karma-go/pkg/config"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

// ErrNoKeyMaterial is returned when neither an explicit private key nor a
// mnemonic is configured.
var ErrNoKeyMaterial = errors.New("no key material: set Wallet.PrivateKey or a mnemonic")

// NewMnemonic generates a fresh BIP-39 seed phrase. Bits selects the
// entropy size and must be 128 (12 words) or 256 (24 words).
func NewMnemonic(bits int) (string, error) {
	if bits != 128 && bits != 256 {
		return "", fmt.Errorf("unsupported entropy size %d", bits)
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// NewPrivateKeyFromMnemonic derives the account at m/44'/60'/0'/0/index
// from the given seed phrase. The phrase is NFKD-normalized first, so the
// same words produce the same seed regardless of how the deployment
// encoded them.
func NewPrivateKeyFromMnemonic(mnemonic string, index uint32) (*PrivateKey, error) {
	mnemonic = norm.NFKD.String(strings.TrimSpace(mnemonic))
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	path := make(accounts.DerivationPath, len(accounts.DefaultBaseDerivationPath))
	copy(path, accounts.DefaultBaseDerivationPath)
	path[len(path)-1] = index
	for _, n := range path {
		if key, err = key.Derive(n); err != nil {
			return nil, fmt.Errorf("derive %s: %w", path, err)
		}
	}
	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return NewPrivateKeyFromBytes(ecPriv.Serialize())
}

// Resolve turns the wallet configuration into a usable key. An explicit
// private key wins over the mnemonic, an inline mnemonic over a mnemonic
// file. When the configuration also carries an address, the derived one is
// cross-checked against it.
func Resolve(w config.WalletConfiguration) (*PrivateKey, error) {
	priv, err := resolveKey(w)
	if err != nil {
		return nil, err
	}
	if w.Address != "" {
		if !common.IsHexAddress(w.Address) {
			return nil, fmt.Errorf("malformed wallet address %q", w.Address)
		}
		if want := common.HexToAddress(w.Address); want != priv.Address() {
			return nil, fmt.Errorf("configured address %s does not match derived %s", want, priv.Address())
		}
	}
	return priv, nil
}

func resolveKey(w config.WalletConfiguration) (*PrivateKey, error) {
	if w.PrivateKey != "" {
		return NewPrivateKeyFromHex(w.PrivateKey)
	}
	mnemonic := w.Mnemonic
	if mnemonic == "" && w.MnemonicPath != "" {
		b, err := os.ReadFile(w.MnemonicPath)
		if err != nil {
			return nil, fmt.Errorf("mnemonic file: %w", err)
		}
		mnemonic = string(b)
	}
	if mnemonic == "" {
		return nil, ErrNoKeyMaterial
	}
	return NewPrivateKeyFromMnemonic(mnemonic, w.DerivationIndex)
}
