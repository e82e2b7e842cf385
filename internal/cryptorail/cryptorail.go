// Package cryptorail validates the on-chain details buyers attach to crypto
// purchases: the receiving wallet address and the submitted transaction hash.
//
// Supported rails:
//
//	BTC   base58 / bech32 address for the configured network, 64-hex txid
//	ETH   EIP-55 (or all one case) 0x address, 0x-prefixed 32-byte tx hash
//	USDT  ERC-20 on Ethereum, same formats as ETH
package cryptorail

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnsupportedSymbol = errors.New("cryptorail: unsupported coin symbol")
	ErrInvalidAddress    = errors.New("cryptorail: invalid wallet address")
	ErrInvalidTxHash     = errors.New("cryptorail: invalid transaction hash")
)

// Network selects which chain parameters addresses are checked against.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

type family int

const (
	bitcoin family = iota
	evm
)

type rail struct {
	family        family
	confirmations int
}

var rails = map[string]rail{
	"BTC":  {family: bitcoin, confirmations: 3},
	"ETH":  {family: evm, confirmations: 12},
	"USDT": {family: evm, confirmations: 12},
}

// Validator checks addresses and hashes for one network.
type Validator struct {
	network Network
	btc     *chaincfg.Params
}

// NewValidator returns a Validator for network. Anything other than
// Testnet is treated as Mainnet.
func NewValidator(network Network) *Validator {
	v := &Validator{network: Mainnet, btc: &chaincfg.MainNetParams}
	if network == Testnet {
		v.network = Testnet
		v.btc = &chaincfg.TestNet3Params
	}
	return v
}

// Network returns the network the validator checks against.
func (v *Validator) Network() Network { return v.network }

// NormalizeSymbol upper-cases symbol and verifies it names a supported rail.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := rails[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}
	return s, nil
}

// Symbols lists the supported coin symbols.
func Symbols() []string {
	return []string{"BTC", "ETH", "USDT"}
}

// RequiredConfirmations returns the block confirmations an admin waits for
// before confirming a purchase on the given rail.
func (v *Validator) RequiredConfirmations(symbol string) (int, error) {
	r, ok := rails[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}
	return r.confirmations, nil
}

// ValidateAddress checks that address can receive funds on symbol's chain.
func (v *Validator) ValidateAddress(symbol, address string) error {
	r, ok := rails[strings.ToUpper(symbol)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}
	address = strings.TrimSpace(address)

	switch r.family {
	case bitcoin:
		addr, err := btcutil.DecodeAddress(address, v.btc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if !addr.IsForNet(v.btc) {
			return fmt.Errorf("%w: not a %s address", ErrInvalidAddress, v.network)
		}
		return nil
	default:
		if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
			return fmt.Errorf("%w: expected 0x-prefixed 20-byte hex", ErrInvalidAddress)
		}
		// Mixed case means the sender applied an EIP-55 checksum; it must match.
		body := address[2:]
		if body != strings.ToLower(body) && body != strings.ToUpper(body) &&
			common.HexToAddress(address).Hex() != address {
			return fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
		}
		return nil
	}
}

// NormalizeTxHash validates hash for symbol and returns its canonical form
// (lower-case; 0x-prefixed for EVM chains). The canonical form is what gets
// stored so a hash can be matched to at most one purchase.
func (v *Validator) NormalizeTxHash(symbol, hash string) (string, error) {
	r, ok := rails[strings.ToUpper(symbol)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}
	hash = strings.ToLower(strings.TrimSpace(hash))

	switch r.family {
	case bitcoin:
		if len(hash) != chainhash.MaxHashStringSize {
			return "", fmt.Errorf("%w: expected %d hex characters", ErrInvalidTxHash, chainhash.MaxHashStringSize)
		}
		h, err := chainhash.NewHashFromStr(hash)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTxHash, err)
		}
		return h.String(), nil
	default:
		b, err := hexutil.Decode(hash)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTxHash, err)
		}
		if len(b) != common.HashLength {
			return "", fmt.Errorf("%w: expected %d bytes", ErrInvalidTxHash, common.HashLength)
		}
		return common.BytesToHash(b).Hex(), nil
	}
}
