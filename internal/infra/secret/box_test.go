package secret

import (
	"bytes"
	"errors"
	"testing"
)

func TestBoxRoundtrip(t *testing.T) {
	box, err := NewBox("correct horse battery staple")
	if err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}
	plain := []byte(`{"auth_token":"abc","ct0":"def"}`)
	enc, err := box.Encrypt(plain)
	if err != nil {
		t.Fatalf("ошибка шифрования: %v", err)
	}
	if bytes.Contains(enc, []byte("auth_token")) {
		t.Fatal("шифртекст содержит открытые данные")
	}
	dec, err := box.Decrypt(enc)
	if err != nil {
		t.Fatalf("ошибка расшифровки: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("ожидалось %q, получено %q", plain, dec)
	}
}

func TestBoxWrongKey(t *testing.T) {
	box1, _ := NewBox("passphrase one")
	box2, _ := NewBox("passphrase two")
	enc, err := box1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("ошибка шифрования: %v", err)
	}
	if _, err := box2.Decrypt(enc); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("ожидалась ErrInvalidCiphertext, получено %v", err)
	}
}

func TestBoxTruncatedCiphertext(t *testing.T) {
	box, _ := NewBox("passphrase")
	if _, err := box.Decrypt([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("ожидалась ErrInvalidCiphertext, получено %v", err)
	}
}

func TestBoxEmptyPassphrase(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Fatal("ожидалась ошибка для пустой парольной фразы")
	}
}
