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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomlabs/phantom/internal/domain"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub := fmt.Sprintf("%x|%x", priv.E, priv.N)
	return priv, pub
}

// decrypt reverses the CSE scheme with the private half of the test key.
func decrypt(t *testing.T, priv *rsa.PrivateKey, payload string) map[string]string {
	t.Helper()
	parts := strings.Split(payload, "$")
	require.Len(t, parts, 3)
	require.Equal(t, "adyenjs_0_1_25", parts[0])

	wrappedKey, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	body, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	require.Greater(t, len(body), aes.BlockSize)

	aesKey, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrappedKey, nil)
	require.NoError(t, err)
	require.Len(t, aesKey, 32)

	block, err := aes.NewCipher(aesKey)
	require.NoError(t, err)
	iv, ciphertext := body[:aes.BlockSize], body[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	padLen := int(plain[len(plain)-1])
	require.True(t, padLen >= 1 && padLen <= aes.BlockSize)
	plain = plain[:len(plain)-padLen]

	var fields map[string]string
	require.NoError(t, json.Unmarshal(plain, &fields))
	return fields
}

func TestEncryptCardRoundTrip(t *testing.T) {
	priv, pub := testKey(t)
	enc, err := NewEncryptor(pub)
	require.NoError(t, err)
	enc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

	payload, err := enc.EncryptCard(domain.Card{
		Holder:   "Jane Buyer",
		Number:   "4111 1111-1111 1111",
		ExpMonth: "3",
		ExpYear:  "2030",
		CVV:      "737",
	})
	require.NoError(t, err)

	fields := decrypt(t, priv, payload)
	assert.Equal(t, "4111111111111111", fields["number"])
	assert.Equal(t, "737", fields["cvc"])
	assert.Equal(t, "03", fields["expiryMonth"])
	assert.Equal(t, "2030", fields["expiryYear"])
	assert.Equal(t, "Jane Buyer", fields["holderName"])
	assert.Equal(t, "2026-03-14T09:26:53.000Z", fields["generationtime"])
}

func TestEncryptFieldRoundTrip(t *testing.T) {
	priv, pub := testKey(t)
	enc, err := NewEncryptor(pub)
	require.NoError(t, err)

	payload, err := enc.EncryptField("cvc", "999")
	require.NoError(t, err)

	fields := decrypt(t, priv, payload)
	assert.Equal(t, "999", fields["cvc"])
	_, err = time.Parse("2006-01-02T15:04:05.000Z", fields["generationtime"])
	assert.NoError(t, err)
}

func TestPayloadShape(t *testing.T) {
	_, pub := testKey(t)
	enc, err := NewEncryptor(pub)
	require.NoError(t, err)

	payload, err := enc.EncryptField("number", "4242424242424242")
	require.NoError(t, err)
	parts := strings.Split(payload, "$")
	assert.Len(t, parts, 3)
	assert.Equal(t, "adyenjs_0_1_25", parts[0])
}

func TestFieldOrderIsStable(t *testing.T) {
	got, err := marshalOrdered([]pair{{"number", "1"}, {"cvc", "2"}})
	require.NoError(t, err)
	assert.Equal(t, `{"number":"1","cvc":"2"}`, string(got))
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "10001", "10001|zz|ff", "xx|ff", "10001|zz"} {
		_, err := NewEncryptor(key)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "key %q", key)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	_, pub := testKey(t)
	enc, err := NewEncryptor(pub)
	require.NoError(t, err)
	enc.now = func() time.Time { return time.Unix(0, 0).UTC() }

	a, err := enc.EncryptField("cvc", "737")
	require.NoError(t, err)
	b, err := enc.EncryptField("cvc", "737")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh AES key and IV per call")
}
