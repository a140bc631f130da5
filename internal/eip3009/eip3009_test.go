package eip3009

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - never use it outside tests.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

var testToken = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")

func testAuthorization(t *testing.T) *Authorization {
	t.Helper()
	auth, err := CreateAuthorization(
		common.HexToAddress(testAddress),
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		big.NewInt(10000),
		60,
	)
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}
	return auth
}

func TestCreateAuthorization(t *testing.T) {
	now := time.Now().Unix()
	auth := testAuthorization(t)

	if auth.ValidAfter.Int64() > now {
		t.Errorf("validAfter = %d; want <= now (%d) to absorb clock skew", auth.ValidAfter.Int64(), now)
	}
	window := new(big.Int).Sub(auth.ValidBefore, auth.ValidAfter)
	if window.Int64() < 60 {
		t.Errorf("validity window = %d; want >= 60", window.Int64())
	}

	var zero [32]byte
	if bytes.Equal(auth.Nonce[:], zero[:]) {
		t.Error("authorization has a zero nonce")
	}
}

func TestGenerateNonceUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := GenerateNonce()
		if err != nil {
			t.Fatalf("GenerateNonce() error = %v", err)
		}
		key := hex.EncodeToString(nonce[:])
		if seen[key] {
			t.Fatalf("duplicate nonce: %s", key)
		}
		seen[key] = true
	}
}

func TestParseNonce(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid with 0x", input: "0x" + strings.Repeat("ab", 32)},
		{name: "valid without 0x", input: strings.Repeat("cd", 32)},
		{name: "too short", input: "0x" + strings.Repeat("ab", 31), wantErr: true},
		{name: "too long", input: "0x" + strings.Repeat("ab", 33), wantErr: true},
		{name: "not hex", input: "0x" + strings.Repeat("zz", 32), wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce, err := ParseNonce(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNonce(%q) error = %v; wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil {
				roundTrip := "0x" + hex.EncodeToString(nonce[:])
				want := tt.input
				if !strings.HasPrefix(want, "0x") {
					want = "0x" + want
				}
				if roundTrip != want {
					t.Errorf("ParseNonce round trip = %s; want %s", roundTrip, want)
				}
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	t.Run("normalizes 27/28 recovery id", func(t *testing.T) {
		raw := make([]byte, 65)
		raw[64] = 28
		sig, err := ParseSignature("0x" + hex.EncodeToString(raw))
		if err != nil {
			t.Fatalf("ParseSignature() error = %v", err)
		}
		if sig[64] != 1 {
			t.Errorf("recovery id = %d; want 1", sig[64])
		}
	})

	t.Run("keeps 0/1 recovery id", func(t *testing.T) {
		raw := make([]byte, 65)
		raw[64] = 0
		sig, err := ParseSignature(hex.EncodeToString(raw))
		if err != nil {
			t.Fatalf("ParseSignature() error = %v", err)
		}
		if sig[64] != 0 {
			t.Errorf("recovery id = %d; want 0", sig[64])
		}
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		if _, err := ParseSignature("0x" + strings.Repeat("ab", 64)); err == nil {
			t.Error("ParseSignature() accepted a 64-byte signature")
		}
	})
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("loading test key: %v", err)
	}

	auth := testAuthorization(t)
	chainID := big.NewInt(84532)

	signature, err := Sign(key, testToken, chainID, auth, "USDC", "2")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !strings.HasPrefix(signature, "0x") {
		t.Errorf("signature %q missing 0x prefix", signature)
	}
	if len(signature) != 2+130 {
		t.Errorf("signature length = %d; want 132", len(signature))
	}

	typedData := NewTypedData("USDC", "2", chainID, testToken, auth)
	recovered, err := RecoverSigner(typedData, signature)
	if err != nil {
		t.Fatalf("RecoverSigner() error = %v", err)
	}
	if recovered != common.HexToAddress(testAddress) {
		t.Errorf("recovered = %s; want %s", recovered.Hex(), testAddress)
	}
}

func TestRecoverRejectsWrongDomain(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("loading test key: %v", err)
	}

	auth := testAuthorization(t)
	signature, err := Sign(key, testToken, big.NewInt(84532), auth, "USDC", "2")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// Same message signed for Base Sepolia must not verify against the Base
	// mainnet domain.
	wrongChain := NewTypedData("USDC", "2", big.NewInt(8453), testToken, auth)
	recovered, err := RecoverSigner(wrongChain, signature)
	if err == nil && recovered == common.HexToAddress(testAddress) {
		t.Error("signature verified against the wrong chain ID domain")
	}

	wrongName := NewTypedData("USD Coin", "2", big.NewInt(84532), testToken, auth)
	recovered, err = RecoverSigner(wrongName, signature)
	if err == nil && recovered == common.HexToAddress(testAddress) {
		t.Error("signature verified against the wrong domain name")
	}
}

func TestDigestIsStable(t *testing.T) {
	auth := testAuthorization(t)
	typedData := NewTypedData("USDC", "2", big.NewInt(84532), testToken, auth)

	first, err := Digest(typedData)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	second, err := Digest(typedData)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Digest() is not deterministic for identical input")
	}
	if len(first) != 32 {
		t.Errorf("digest length = %d; want 32", len(first))
	}
}
