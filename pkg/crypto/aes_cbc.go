package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

type AesCbc struct {
	cfg AesCbcConfig

	cipher cipher.Block
}

type AesCbcConfig struct {
	Key []byte
	IV  []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	cipher, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	return &AesCbc{
		cfg:    cfg,
		cipher: cipher,
	}, nil
}

// NewAesCbcFromSecret derives a 128-bit key and IV from a shared passphrase.
// Both call participants must configure the same secret for sealed signaling
// payloads to be readable on the other side.
func NewAesCbcFromSecret(secret string) (*AesCbc, error) {
	sum := sha256.Sum256([]byte(secret))

	return NewAesCbc(AesCbcConfig{
		Key: sum[:16],
		IV:  sum[16:],
	})
}

func (c *AesCbc) Encrypt(payload []byte) []byte {
	payload = pkcs7pad.Pad(payload, c.cipher.BlockSize())

	encrypter := cipher.NewCBCEncrypter(c.cipher, c.cfg.IV)
	encrypted := make([]byte, len(payload))

	encrypter.CryptBlocks(encrypted, payload)

	return encrypted
}

func (c *AesCbc) Decrypt(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%c.cipher.BlockSize() != 0 {
		return nil, errors.New("crypto: payload is not block aligned")
	}

	decrypter := cipher.NewCBCDecrypter(c.cipher, c.cfg.IV)
	decrypted := make([]byte, len(payload))

	decrypter.CryptBlocks(decrypted, payload)

	return pkcs7pad.Unpad(decrypted)
}
