package crypto

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat/Anvil 默认测试账户 #0 (勿用于生产)
const testPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testForwarder = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func getTestPrivateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKeyHex)
	require.NoError(t, err)
	return key
}

func testRequest(from common.Address) *ForwardRequest {
	return &ForwardRequest{
		From:  from,
		To:    common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Value: big.NewInt(0),
		Gas:   big.NewInt(300000),
		Nonce: big.NewInt(7),
		Data:  []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func TestSignAndRecover(t *testing.T) {
	key := getTestPrivateKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), addr)

	domain := DefaultForwarderDomain(31337, testForwarder)
	digest := ForwardRequestDigest(domain, testRequest(addr))

	sig, err := SignDigest(key, digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.True(t, sig[64] == 27 || sig[64] == 28)

	recovered, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)

	ok, err := VerifySignature(addr, digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDigest_DomainSeparated(t *testing.T) {
	key := getTestPrivateKey(t)
	req := testRequest(crypto.PubkeyToAddress(key.PublicKey))

	a := ForwardRequestDigest(DefaultForwarderDomain(31337, testForwarder), req)
	b := ForwardRequestDigest(DefaultForwarderDomain(137, testForwarder), req)
	c := ForwardRequestDigest(DefaultForwarderDomain(31337, common.HexToAddress("0x01")), req)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDigest_NonceChangesHash(t *testing.T) {
	domain := DefaultForwarderDomain(31337, testForwarder)
	req := testRequest(common.HexToAddress("0x01"))
	first := ForwardRequestDigest(domain, req)

	req.Nonce = big.NewInt(8)
	assert.NotEqual(t, first, ForwardRequestDigest(domain, req))
}

func TestVerifySignature_WrongSigner(t *testing.T) {
	key := getTestPrivateKey(t)
	digest := ForwardRequestDigest(DefaultForwarderDomain(31337, testForwarder), testRequest(common.Address{}))
	sig, err := SignDigest(key, digest)
	require.NoError(t, err)

	ok, err := VerifySignature(common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), digest, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverAddress_InvalidLength(t *testing.T) {
	_, err := RecoverAddress(make([]byte, 32), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignatureLength)
}

func TestSignDigest_NilKey(t *testing.T) {
	_, err := SignDigest(nil, make([]byte, 32))
	assert.ErrorIs(t, err, ErrNilPrivateKey)
}

func TestHashForwardRequest_NilNumbersEncodeAsZero(t *testing.T) {
	req := &ForwardRequest{Data: []byte{}}
	zeroed := &ForwardRequest{Value: big.NewInt(0), Gas: big.NewInt(0), Nonce: big.NewInt(0), Data: []byte{}}
	assert.Equal(t, HashForwardRequest(zeroed), HashForwardRequest(req))
}
