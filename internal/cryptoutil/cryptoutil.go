// Package cryptoutil composes the primitive operations behind secret
// storage (m.secret_storage.v1.aes-hmac-sha2) and megolm key backup
// (m.megolm_backup.v1.curve25519-aes-sha2): PBKDF2/HKDF key derivation,
// AES-CTR and AES-CBC with HMAC-SHA256, recovery key encoding and the
// curve25519 public-key encryption envelope.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrBadMAC         = errors.New("cryptoutil: MAC mismatch")
	ErrBadRecoveryKey = errors.New("cryptoutil: malformed recovery key")
)

const KeySize = 32

// GenerateKey returns 32 random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// KeyFromPassphrase derives a secret storage key with PBKDF2-SHA512.
func KeyFromPassphrase(passphrase, salt string, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, KeySize, sha512.New)
}

// deriveKeys expands a secret storage key into an AES key and an HMAC key
// bound to the secret's name.
func deriveKeys(key []byte, name string) (aesKey, hmacKey []byte) {
	reader := hkdf.New(sha256.New, key, nil, []byte(name))
	aesKey = make([]byte, 32)
	hmacKey = make([]byte, 32)
	_, _ = io.ReadFull(reader, aesKey)
	_, _ = io.ReadFull(reader, hmacKey)
	return
}

// EncryptedSecret is the stored form of an SSSS-encrypted value.
type EncryptedSecret struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// EncryptSecret encrypts plaintext under the secret storage key for the
// named secret.
func EncryptSecret(key []byte, name string, plaintext []byte) (*EncryptedSecret, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	// Bit 63 cleared per the secret storage algorithm definition.
	iv[8] &= 0x7f
	return encryptSecretWithIV(key, name, plaintext, iv)
}

func encryptSecretWithIV(key []byte, name string, plaintext, iv []byte) (*EncryptedSecret, error) {
	aesKey, hmacKey := deriveKeys(key, name)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ciphertext)

	return &EncryptedSecret{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		MAC:        base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

// DecryptSecret reverses EncryptSecret, failing on any MAC mismatch.
func DecryptSecret(key []byte, name string, enc *EncryptedSecret) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	wantMAC, err := base64.StdEncoding.DecodeString(strings.TrimRight(enc.MAC, "="))
	if err != nil {
		wantMAC, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(enc.MAC, "="))
		if err != nil {
			return nil, fmt.Errorf("decode mac: %w", err)
		}
	}

	aesKey, hmacKey := deriveKeys(key, name)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ciphertext)
	if subtle.ConstantTimeCompare(mac.Sum(nil), wantMAC) == 0 {
		return nil, ErrBadMAC
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// KeyCheck produces the iv/mac pair stored in the key description so
// clients can validate a supplied key: 32 zero bytes encrypted with an
// empty secret name.
func KeyCheck(key []byte) (*EncryptedSecret, error) {
	return EncryptSecret(key, "", make([]byte, KeySize))
}

// VerifyKeyCheck checks a supplied key against the stored iv/mac pair.
func VerifyKeyCheck(key []byte, ivB64, macB64 string) bool {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != aes.BlockSize {
		return false
	}
	enc, err := encryptSecretWithIV(key, "", make([]byte, KeySize), iv)
	if err != nil {
		return false
	}
	return strings.TrimRight(enc.MAC, "=") == strings.TrimRight(macB64, "=")
}

// --- recovery keys ---

var recoveryKeyPrefix = []byte{0x8b, 0x01}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(input []byte) string {
	num := new(big.Int).SetBytes(input)
	radix := big.NewInt(58)
	rem := new(big.Int)
	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, radix, rem)
		out = append(out, base58Alphabet[rem.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(input string) ([]byte, error) {
	num := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range input {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		num.Mul(num, radix)
		num.Add(num, big.NewInt(int64(idx)))
	}
	out := num.Bytes()
	for i := 0; i < len(input) && input[i] == base58Alphabet[0]; i++ {
		out = append([]byte{0}, out...)
	}
	return out, nil
}

// EncodeRecoveryKey renders a 32-byte key in the standard base58 recovery
// key format, grouped in fours.
func EncodeRecoveryKey(key []byte) string {
	full := make([]byte, 0, len(recoveryKeyPrefix)+len(key)+1)
	full = append(full, recoveryKeyPrefix...)
	full = append(full, key...)
	var parity byte
	for _, b := range full {
		parity ^= b
	}
	full = append(full, parity)

	encoded := base58Encode(full)
	var grouped strings.Builder
	for i, r := range encoded {
		if i > 0 && i%4 == 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteRune(r)
	}
	return grouped.String()
}

// DecodeRecoveryKey parses a recovery key, tolerating whitespace grouping.
func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	compact := strings.Join(strings.Fields(recoveryKey), "")
	raw, err := base58Decode(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecoveryKey, err)
	}
	if len(raw) != len(recoveryKeyPrefix)+KeySize+1 {
		return nil, fmt.Errorf("%w: wrong length %d", ErrBadRecoveryKey, len(raw))
	}
	if !bytes.Equal(raw[:2], recoveryKeyPrefix) {
		return nil, fmt.Errorf("%w: wrong prefix", ErrBadRecoveryKey)
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return nil, fmt.Errorf("%w: parity check failed", ErrBadRecoveryKey)
	}
	return raw[2 : 2+KeySize], nil
}

// DecodeLegacyKey handles the historic bug where a backup key was stored as
// comma-separated byte values instead of base64. It returns the key bytes
// and whether the input was in the legacy form.
func DecodeLegacyKey(stored string) ([]byte, bool, error) {
	if !strings.Contains(stored, ",") {
		key, err := base64.StdEncoding.DecodeString(strings.TrimRight(stored, "="))
		if err != nil {
			key, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(stored, "="))
		}
		if err != nil {
			return nil, false, fmt.Errorf("decode stored key: %w", err)
		}
		return key, false, nil
	}
	parts := strings.Split(stored, ",")
	key := make([]byte, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 255 {
			return nil, false, fmt.Errorf("invalid legacy key byte %q", part)
		}
		key[i] = byte(n)
	}
	return key, true, nil
}

// --- backup public-key envelope ---

// PKCiphertext is the libolm PK encryption envelope used by megolm backup
// session_data.
type PKCiphertext struct {
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

func pkDeriveKeys(shared []byte) (aesKey, macKey, iv []byte) {
	reader := hkdf.New(sha256.New, shared, make([]byte, 32), nil)
	aesKey = make([]byte, 32)
	macKey = make([]byte, 32)
	iv = make([]byte, aes.BlockSize)
	_, _ = io.ReadFull(reader, aesKey)
	_, _ = io.ReadFull(reader, macKey)
	_, _ = io.ReadFull(reader, iv)
	return
}

func pkcs7Pad(data []byte) []byte {
	pad := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("bad padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, errors.New("bad padding")
	}
	return data[:len(data)-pad], nil
}

// PKEncrypt encrypts plaintext to a curve25519 public key with a fresh
// ephemeral key.
func PKEncrypt(plaintext []byte, theirPublic []byte) (*PKCiphertext, error) {
	ephemeralPrivate := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeralPrivate, theirPublic)
	if err != nil {
		return nil, err
	}

	aesKey, macKey, iv := pkDeriveKeys(shared)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return &PKCiphertext{
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
		MAC:        base64.RawStdEncoding.EncodeToString(mac.Sum(nil)[:8]),
		Ephemeral:  base64.RawStdEncoding.EncodeToString(ephemeralPublic),
	}, nil
}

// PKDecrypt reverses PKEncrypt with the recipient's private key.
func PKDecrypt(enc *PKCiphertext, ourPrivate []byte) ([]byte, error) {
	ephemeralPublic, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(enc.Ephemeral, "="))
	if err != nil {
		return nil, fmt.Errorf("decode ephemeral key: %w", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(enc.Ciphertext, "="))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	wantMAC, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(enc.MAC, "="))
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}

	shared, err := curve25519.X25519(ourPrivate, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	aesKey, macKey, iv := pkDeriveKeys(shared)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if subtle.ConstantTimeCompare(mac.Sum(nil)[:len(wantMAC)], wantMAC) == 0 {
		return nil, ErrBadMAC
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}

// PublicFromPrivate returns the curve25519 public key for a private key.
func PublicFromPrivate(private []byte) ([]byte, error) {
	return curve25519.X25519(private, curve25519.Basepoint)
}
