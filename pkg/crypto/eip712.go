// Package crypto 提供 EIP-712 结构化数据签名 (ERC-2771 转发请求)
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrNilPrivateKey          = errors.New("private key is nil")
)

// EIP712Domain 域配置
type EIP712Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           int64          `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// DefaultForwarderDomain 转发合约默认域 (OpenZeppelin MinimalForwarder)
func DefaultForwarderDomain(chainID int64, forwarder common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "MinimalForwarder",
		Version:           "0.0.1",
		ChainID:           chainID,
		VerifyingContract: forwarder,
	}
}

// DomainTypeHash EIP712Domain 类型哈希
var DomainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

// ForwardRequestTypeHash ForwardRequest 类型哈希
var ForwardRequestTypeHash = crypto.Keccak256([]byte("ForwardRequest(address from,address to,uint256 value,uint256 gas,uint256 nonce,bytes data)"))

// ForwardRequest 转发请求
// 字段名与转发合约 execute 的 tuple 组件一一对应, 可直接用于 ABI 编码
type ForwardRequest struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Gas   *big.Int       `json:"gas"`
	Nonce *big.Int       `json:"nonce"`
	Data  []byte         `json:"data"`
}

// HashTypedDataDomain 计算域哈希
func HashTypedDataDomain(domain EIP712Domain) []byte {
	encoded := make([]byte, 0, 160)
	encoded = append(encoded, DomainTypeHash...)
	encoded = append(encoded, crypto.Keccak256([]byte(domain.Name))...)
	encoded = append(encoded, crypto.Keccak256([]byte(domain.Version))...)
	encoded = append(encoded, math.U256Bytes(big.NewInt(domain.ChainID))...)
	encoded = append(encoded, common.LeftPadBytes(domain.VerifyingContract.Bytes(), 32)...)

	return crypto.Keccak256(encoded)
}

// HashForwardRequest 计算转发请求结构哈希
func HashForwardRequest(req *ForwardRequest) []byte {
	encoded := make([]byte, 0, 224)
	encoded = append(encoded, ForwardRequestTypeHash...)
	encoded = append(encoded, common.LeftPadBytes(req.From.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(req.To.Bytes(), 32)...)
	encoded = append(encoded, uint256Bytes(req.Value)...)
	encoded = append(encoded, uint256Bytes(req.Gas)...)
	encoded = append(encoded, uint256Bytes(req.Nonce)...)
	// bytes 类型按 keccak256(data) 编码
	encoded = append(encoded, crypto.Keccak256(req.Data)...)

	return crypto.Keccak256(encoded)
}

// HashTypedDataV4 计算 EIP-712 TypedData V4 哈希
func HashTypedDataV4(domain EIP712Domain, structHash []byte) []byte {
	domainSeparator := HashTypedDataDomain(domain)

	// \x19\x01 + domainSeparator + structHash
	encoded := make([]byte, 0, 66)
	encoded = append(encoded, 0x19, 0x01)
	encoded = append(encoded, domainSeparator...)
	encoded = append(encoded, structHash...)

	return crypto.Keccak256(encoded)
}

// ForwardRequestDigest 计算转发请求的待签名摘要
func ForwardRequestDigest(domain EIP712Domain, req *ForwardRequest) []byte {
	return HashTypedDataV4(domain, HashForwardRequest(req))
}

// SignDigest 对摘要签名, 返回 65 字节签名 (v = 27/28)
func SignDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNilPrivateKey
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverAddress 从签名恢复地址
func RecoverAddress(digest, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: %d", ErrInvalidSignatureLength, len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature 验证签名
func VerifySignature(wallet common.Address, digest, signature []byte) (bool, error) {
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false, err
	}
	return recovered == wallet, nil
}

func uint256Bytes(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}
