// Package crypto provides encryption and decryption for sensitive data at rest,
// primarily login cookies, plus the RSA-OAEP challenge used by the cookie
// refresh protocol. At-rest encryption is AES-256-GCM with a key derived from
// stable machine characteristics, so a copied credential file is useless on
// another host.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// EncPrefix marks a field value as encrypted. Values without the prefix are
// treated as legacy plaintext and returned unchanged by DecryptString.
const EncPrefix = "enc:"

// fixed salt for the machine-derived key; rotating it invalidates stored credentials.
var keySalt = []byte("bilifetch-credential-v1")

// Encryptor defines the interface for encrypting and decrypting data.
// Implementations must provide authenticated encryption (AEAD) to ensure
// both confidentiality and integrity of the ciphertext.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	key []byte // 32 bytes for AES-256
}

// NewAESEncryptor creates an encryptor from a raw 32-byte key.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return &AESEncryptor{key: key}, nil
}

// NewMachineEncryptor derives the AES key from stable local machine
// characteristics (hostname, platform, architecture, first non-loopback
// hardware address) via scrypt with a fixed salt.
func NewMachineEncryptor() (*AESEncryptor, error) {
	key, err := scrypt.Key([]byte(machineFingerprint()), keySalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive machine key: %w", err)
	}
	return NewAESEncryptor(key)
}

func machineFingerprint() string {
	host, _ := os.Hostname()
	parts := []string{host, runtime.GOOS, runtime.GOARCH, firstHardwareAddr()}
	return strings.Join(parts, "|")
}

// firstHardwareAddr returns the MAC of the first up, non-loopback interface,
// or empty when none is available (the key is still derivable).
func firstHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) == 0 {
			continue
		}
		return ifc.HardwareAddr.String()
	}
	return ""
}

// Encrypt encrypts plaintext using AES-256-GCM and returns the result as
// raw bytes in the format: nonce || ciphertext || auth_tag
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts and authenticates ciphertext encrypted by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", nonceSize, len(ciphertext))
	}
	nonce := ciphertext[:nonceSize]
	ciphertext = ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns it base64-encoded with the
// EncPrefix marker, suitable for storage alongside legacy plaintext values.
// A nil Encryptor stores plaintext.
func EncryptString(enc Encryptor, plaintext string) (string, error) {
	if plaintext == "" || enc == nil {
		return plaintext, nil
	}
	ciphertext, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return EncPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString. A value without the EncPrefix marker
// is returned unchanged, keeping old unencrypted records readable.
func DecryptString(enc Encryptor, stored string) (string, error) {
	if !strings.HasPrefix(stored, EncPrefix) {
		return stored, nil
	}
	if enc == nil {
		return "", fmt.Errorf("encrypted value but no key available")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// correspondKeyPEM is the public key published for the correspond-path scheme.
const correspondKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA4LdtsSQzITA+Y++XtaBS
RD0Yxqvp5LuvsZ7cHUz7mrkMqYXrSda66nY66ZMG9dbzSyUcXviDt8483RSWG12b
xEFVoe+M5Tld5bPu80GuAwONRG8ger5C53oS3m6YbSig0CYjTGkE295x5Z/aRZC/
WqTuvL1NYyuS3guzuLXRSDRf4zzSXbRlgcr3UrmopYPeqAn1/v38UHiaMNtcj0Kq
6PdHkhZxbBdnv+6J1yf6lPLOd/cBY6vHD/gvKQWCUVPx+enY/VbHFvKpY2m6keuA
WRzSqL+oD6y2EX5Icgru9KoRwGeh/9uKVPB6bG38XmdGA3Wdt9SfFX+lzk/P/K43
qwIDAQAB
-----END PUBLIC KEY-----`

// DefaultCorrespondKey parses the embedded correspond-path public key.
func DefaultCorrespondKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(correspondKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid correspond key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse correspond key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("correspond key is not RSA")
	}
	return rsaPub, nil
}

// CorrespondPath RSA-OAEP(SHA-256) encrypts the literal "refresh_<unix_millis>"
// challenge under pub and returns it hex-encoded. The result names the
// server-rendered page holding the refresh CSRF value.
func CorrespondPath(pub *rsa.PublicKey, unixMillis int64) (string, error) {
	msg := fmt.Sprintf("refresh_%d", unixMillis)
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(msg), nil)
	if err != nil {
		return "", fmt.Errorf("encrypt correspond challenge: %w", err)
	}
	return hex.EncodeToString(ciphertext), nil
}
