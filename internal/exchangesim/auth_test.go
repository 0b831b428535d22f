package exchangesim

import (
	"testing"

	"perpmm/internal/config"
)

const testPrivateKeyHex = "b5b1870957d373ef0eeffecc6e4812c0fd08f554b37b233526acc331bf1544f"

func testAuthConfig() config.Config {
	var cfg config.Config
	cfg.Wallet.PrivateKey = testPrivateKeyHex
	cfg.Wallet.ChainID = 137
	cfg.Wallet.SignatureType = 0
	cfg.API.ApiKey = "test-key"
	cfg.API.Secret = "c2VjcmV0LXNlY3JldA=="
	cfg.API.Passphrase = "test-pass"
	return cfg
}

func TestNewAuthParsesPrivateKey(t *testing.T) {
	auth, err := NewAuth(testAuthConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	if auth.Address().Hex() == "" {
		t.Errorf("expected a derived address")
	}
	if !auth.HasL2Credentials() {
		t.Errorf("expected L2 credentials to be set from config")
	}
}

func TestNewAuthAccepts0xPrefixedKey(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Wallet.PrivateKey = "0x" + testPrivateKeyHex
	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth with 0x prefix: %v", err)
	}
	plain, _ := NewAuth(testAuthConfig())
	if auth.Address() != plain.Address() {
		t.Errorf("expected identical derived address regardless of 0x prefix")
	}
}

func TestNewAuthRejectsInvalidKey(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Wallet.PrivateKey = "not-a-valid-hex-key"
	if _, err := NewAuth(cfg); err == nil {
		t.Errorf("expected an error for an invalid private key")
	}
}

func TestNewAuthDefaultsFunderToOwnAddress(t *testing.T) {
	auth, err := NewAuth(testAuthConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	if auth.FunderAddress() != auth.Address() {
		t.Errorf("expected funder address to default to the wallet's own address")
	}
}

func TestL2HeadersIncludesAllFields(t *testing.T) {
	auth, err := NewAuth(testAuthConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	headers, err := auth.L2Headers("POST", "/orders", "")
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, key := range []string{"MM-ADDRESS", "MM-SIGNATURE", "MM-TIMESTAMP", "MM-API-KEY", "MM-PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("expected header %s to be set", key)
		}
	}
}

func TestL2HeadersRejectsUndecodableSecret(t *testing.T) {
	cfg := testAuthConfig()
	cfg.API.Secret = "not valid base64!!"
	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	if _, err := auth.L2Headers("GET", "/positions", ""); err == nil {
		t.Errorf("expected an error when the configured secret cannot be base64-decoded")
	}
}
