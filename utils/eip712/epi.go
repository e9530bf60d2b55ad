package eip712

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-onramp/types"
)

// Domain is the EIP-712 domain of an EIP-3009 token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Authorization is a parsed EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

const transferWithAuthorizationType = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"

var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(transferWithAuthorizationType))

	// field order matters
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

// addressTo32 left-pads an address into a 32 byte word
func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func stringToBig(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid decimal integer %q", field, s)
	}
	return n, nil
}

// HexToBytes32 converts a 0x-prefixed 32 byte hex string (an EIP-3009 nonce).
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil {
		return out, fmt.Errorf("nonce: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DomainFor builds the token domain for a requirement. The requirement's
// extra name/version override the registry defaults, mirroring how servers
// advertise the domain in the challenge.
func DomainFor(req *types.PaymentRequirements) (Domain, error) {
	info, err := types.LookupNetwork(types.Network(req.Network))
	if err != nil {
		return Domain{}, err
	}
	d := Domain{
		Name:    info.TokenName,
		Version: info.TokenVersion,
		ChainID: info.ChainID,
	}
	if name, ok := req.Extra["name"].(string); ok && name != "" {
		d.Name = name
	}
	if version, ok := req.Extra["version"].(string); ok && version != "" {
		d.Version = version
	}
	asset := req.Asset
	if asset == "" {
		asset = info.USDCAddress
	}
	if !common.IsHexAddress(asset) {
		return Domain{}, fmt.Errorf("invalid asset address %q", asset)
	}
	d.VerifyingContract = common.HexToAddress(asset)
	return d, nil
}

// Separator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func (d Domain) Separator() (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil {
		return common.Hash{}, errors.New("incomplete domain")
	}

	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// ParseAuthorization converts the wire authorization into typed values.
func ParseAuthorization(a types.EIP3009Authorization) (Authorization, error) {
	var out Authorization
	if !common.IsHexAddress(a.From) {
		return out, fmt.Errorf("from: invalid address %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return out, fmt.Errorf("to: invalid address %q", a.To)
	}
	out.From = common.HexToAddress(a.From)
	out.To = common.HexToAddress(a.To)

	var err error
	if out.Value, err = stringToBig("value", a.Value); err != nil {
		return out, err
	}
	if out.ValidAfter, err = stringToBig("validAfter", a.ValidAfter); err != nil {
		return out, err
	}
	if out.ValidBefore, err = stringToBig("validBefore", a.ValidBefore); err != nil {
		return out, err
	}
	if out.Nonce, err = HexToBytes32(a.Nonce); err != nil {
		return out, err
	}
	return out, nil
}

// StructHash computes keccak256(
//
//	abi.encode(TRANSFER_WITH_AUTH_TYPEHASH, from, to, value, validAfter, validBefore, nonce)
//
// )
func (a Authorization) StructHash() common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressTo32(a.From),
		addressTo32(a.To),
		padLeft32(a.Value),
		padLeft32(a.ValidAfter),
		padLeft32(a.ValidBefore),
		a.Nonce[:],
	)
}

// TypedDataHash returns the final EIP-712 digest to be signed or recovered:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Digest is the EIP-712 digest of a TransferWithAuthorization under domain d.
func Digest(d Domain, a Authorization) (common.Hash, error) {
	sep, err := d.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(sep, a.StructHash()), nil
}

// RecoverSigner recovers the address that signed the given digest.
// sig must be 65 bytes (R||S||V); V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	// copy to avoid mutating caller slice
	s := make([]byte, 65)
	copy(s, sig)

	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
