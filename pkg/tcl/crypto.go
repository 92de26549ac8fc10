package tcl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	defaultNonceSize = 12 // 12 is the standard
	aesKeyLength     = 32
)

// GetHashWithArgon uses Argon2id to hash a passphrase with a salt and return the hash as bytes.
func GetHashWithArgon(passphrase, salt string, timeConsideration uint32, multiplier uint32, threads uint8, hashLength uint32) []byte {

	if passphrase == "" || salt == "" {
		return nil
	}

	if timeConsideration == 0 {
		timeConsideration = 1
	}

	if multiplier == 0 {
		multiplier = 64
	}

	if threads == 0 {
		threads = 1
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, multiplier*1024, threads, hashLength)
}

// SetHashkey derives an AES-256 key for the notifier from passphrase and salt using the config's Argon2 settings.
func (ec *EncryptionConfig) SetHashkey(passphrase, salt string) error {
	key := GetHashWithArgon(passphrase, salt, ec.TimeConsideration, ec.MemoryMultiplier, ec.Threads, aesKeyLength)
	if key == nil {
		return errors.New("passphrase and salt can't be empty")
	}

	ec.Hashkey = key
	return nil
}

// EncryptWithAes encrypts bytes based on an AES-256 compatible hashed key.
// If nonceSize is outside 12 to 32, the standard, 12, is used.
func EncryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(data) == 0 || len(hashedKey) == 0 {
		return nil, errors.New("data or hash can't be zero length")
	}

	if nonceSize < 12 || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil { // will throw an Aes.NewCipher error if length is not 16, 24, or 32
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptWithAes decrypts bytes based on an AES compatible hashed key.
func DecryptWithAes(cipherDataWithNonce, hashedKey []byte, nonceSize int) ([]byte, error) {

	if nonceSize < 12 || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	if len(cipherDataWithNonce) <= nonceSize || len(hashedKey) == 0 {
		return nil, errors.New("cipher data must be longer than the nonce and hash can't be zero length")
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	return aesGcm.Open(nil, cipherDataWithNonce[:nonceSize], cipherDataWithNonce[nonceSize:], nil)
}
