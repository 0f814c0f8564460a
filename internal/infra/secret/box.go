package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32
	saltString = "tweetkeeper.credentials.v1"
	iterations = 100_000
)

// ErrInvalidCiphertext возвращается при попытке расшифровать повреждённые
// или чужие данные.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Box шифрует учётные данные провайдера перед сохранением в БД.
// Ключ выводится из парольной фразы через PBKDF2-SHA256.
type Box struct {
	aead cipher.AEAD
}

// NewBox создаёт шифратор из парольной фразы.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("пустая парольная фраза")
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(saltString), iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("создание шифра: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("создание GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt шифрует данные, подклеивая nonce в начало результата.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("генерация nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt расшифровывает данные, зашифрованные Encrypt.
func (b *Box) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce := ciphertext[:b.aead.NonceSize()]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext[b.aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
