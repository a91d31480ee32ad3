package vault

// vault implements envelope encryption for upload-account passwords.
// The stored form is hex(iv) + ":" + hex(ciphertext), AES-256-CBC, with the
// key derived from the configured secret via scrypt. This format is shared
// with the FTP daemon's credential importer, so it must not change.

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/scrypt"
)

var (
	// ErrMissingSecret means the encryption secret is empty. This is a
	// configuration error, and callers should treat it as fatal at startup.
	ErrMissingSecret = errors.New("vault: encryption secret is not set")

	// ErrCorruptEnvelope means the stored envelope could not be parsed or
	// decrypted (bad delimiter, bad hex, wrong length, invalid padding).
	ErrCorruptEnvelope = errors.New("vault: corrupt credential envelope")
)

// scrypt(16384,8,1) costs roughly 35ms on a desktop CPU. The salt is fixed because the
// secret is a single machine-wide key, not a per-user password.
const (
	kdfSalt = "salt"
	kdfN    = 16384
	kdfr    = 8
	kdfp    = 1
)

// GeneratePassword returns a new random password of 'length' characters,
// built from the base64 alphabet.
func GeneratePassword(length int) string {
	nbytes := length
	if nbytes < 16 {
		nbytes = 16
	}
	buf := make([]byte, nbytes)
	if n, _ := rand.Read(buf); n != nbytes {
		panic("Unable to read from crypto/rand")
	}
	return base64.StdEncoding.EncodeToString(buf)[:length]
}

// Encrypt encrypts a plaintext password with a key derived from 'secret',
// and returns the storable envelope.
func Encrypt(plaintext, secret string) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if n, _ := rand.Read(iv); n != aes.BlockSize {
		panic("Unable to read from crypto/rand")
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A wrong secret yields ErrCorruptEnvelope in
// almost all cases, because the PKCS#7 padding fails to validate.
func Decrypt(envelope, secret string) (string, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	ivHex, ctHex, found := strings.Cut(envelope, ":")
	if !found {
		return "", ErrCorruptEnvelope
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrCorruptEnvelope
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrCorruptEnvelope
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, ok := pkcs7Unpad(plaintext, aes.BlockSize)
	if !ok {
		return "", ErrCorruptEnvelope
	}
	return string(unpadded), nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return scrypt.Key([]byte(secret), []byte(kdfSalt), kdfN, kdfr, kdfp, 32)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, false
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, false
		}
	}
	return data[:len(data)-pad], true
}
