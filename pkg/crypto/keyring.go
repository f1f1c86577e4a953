package crypto

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrKeyNotFound 地址没有可用的签名密钥
var ErrKeyNotFound = errors.New("signing key not found")

// MemoryKeyring 进程内按地址保存的签名密钥
type MemoryKeyring struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewMemoryKeyring 创建密钥环
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

// Add 导入十六进制私钥, 返回对应地址
func (k *MemoryKeyring) Add(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr, nil
}

// Has 是否持有地址的密钥
func (k *MemoryKeyring) Has(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[addr]
	return ok
}

// Sign 用地址对应的密钥对摘要签名
func (k *MemoryKeyring) Sign(ctx context.Context, addr common.Address, digest []byte) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[addr]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return SignDigest(key, digest)
}
