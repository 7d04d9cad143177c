// Package adyen implements Adyen client-side encryption (CSE) version
// 0_1_25, the scheme the Footsites payment pages expect: a per-field JSON
// payload encrypted with a fresh AES-256-CBC key which is in turn wrapped
// with RSA-OAEP(SHA-1) under the merchant's public key.
package adyen

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
)

// Version is the CSE scheme identifier embedded in every payload.
const Version = "0_1_25"

const prefix = "adyenjs_" + Version + "$"

// Encryptor encrypts card fields under one merchant key.
type Encryptor struct {
	key *rsa.PublicKey
	now func() time.Time
}

// NewEncryptor parses a merchant public key in "<exponent_hex>|<modulus_hex>"
// form, the format sites embed in their payment-page JavaScript.
func NewEncryptor(publicKey string) (*Encryptor, error) {
	parts := strings.Split(publicKey, "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("adyen public key: want exp|mod, got %d parts: %w",
			len(parts), domain.ErrInvalidArgument)
	}

	exp, ok := new(big.Int).SetString(parts[0], 16)
	if !ok {
		return nil, fmt.Errorf("adyen public key exponent: %w", domain.ErrInvalidArgument)
	}
	mod, ok := new(big.Int).SetString(parts[1], 16)
	if !ok {
		return nil, fmt.Errorf("adyen public key modulus: %w", domain.ErrInvalidArgument)
	}
	if !exp.IsInt64() || exp.Int64() <= 0 {
		return nil, fmt.Errorf("adyen public key exponent out of range: %w", domain.ErrInvalidArgument)
	}

	return &Encryptor{
		key: &rsa.PublicKey{N: mod, E: int(exp.Int64())},
		now: time.Now,
	}, nil
}

// EncryptField encrypts a single named value, e.g. ("cvc", "737") for the
// encryptedSecurityCode payment field.
func (e *Encryptor) EncryptField(name, value string) (string, error) {
	return e.encrypt([]pair{{name, value}})
}

// EncryptCard encrypts all card fields into one payload.
func (e *Encryptor) EncryptCard(c domain.Card) (string, error) {
	number := strings.NewReplacer(" ", "", "-", "").Replace(c.Number)
	fields := []pair{
		{"number", number},
		{"cvc", c.CVV},
		{"expiryMonth", pad2(c.ExpMonth)},
		{"expiryYear", c.ExpYear},
	}
	if c.Holder != "" {
		fields = append(fields, pair{"holderName", c.Holder})
	}
	return e.encrypt(fields)
}

type pair struct {
	key   string
	value string
}

// encrypt serializes the fields plus a generationtime stamp, in order, and
// applies the hybrid AES/RSA scheme.
func (e *Encryptor) encrypt(fields []pair) (string, error) {
	generated := e.now().UTC().Format("2006-01-02T15:04:05.000Z")
	fields = append(fields, pair{"generationtime", generated})

	plaintext, err := marshalOrdered(fields)
	if err != nil {
		return "", fmt.Errorf("adyen payload: %w", err)
	}

	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return "", fmt.Errorf("adyen aes key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("adyen iv: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("adyen cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, e.key, aesKey, nil)
	if err != nil {
		return "", fmt.Errorf("adyen key wrap: %w", err)
	}

	return prefix +
		base64.StdEncoding.EncodeToString(wrappedKey) + "$" +
		base64.StdEncoding.EncodeToString(append(iv, ciphertext...)), nil
}

// marshalOrdered produces compact JSON preserving field order, which the
// stock map marshaller would not.
func marshalOrdered(fields []pair) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
