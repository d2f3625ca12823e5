package zip

import (
	"bytes"
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"io"
	"testing"

	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"golang.org/x/crypto/pbkdf2"
)

// encryptZipCrypto is the test-side inverse of the PKWARE keystream.
func encryptZipCrypto(password string, header, plain []byte) []byte {
	keys := newZipCryptoKeys(password)
	out := make([]byte, 0, len(header)+len(plain))
	for _, c := range header {
		t := keys.k2 | 2
		out = append(out, c^byte((t*(t^1))>>8))
		keys.update(c)
	}
	for _, c := range plain {
		t := keys.k2 | 2
		out = append(out, c^byte((t*(t^1))>>8))
		keys.update(c)
	}
	return out
}

func TestZipCryptoRoundTrip(t *testing.T) {
	plain := []byte("the secret payload")
	header := make([]byte, 12)
	rand.Read(header[:11])
	header[11] = 0x5A // verification byte

	cipher := encryptZipCrypto("hunter2", header, plain)

	e := &Engine{password: "hunter2", verifier: map[string]byte{"f": 0x5A}}
	r, err := e.decryptZipCrypto(bytes.NewReader(cipher), types.Entry{Path: "f"})
	if err != nil {
		t.Fatalf("decryptZipCrypto failed: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("decrypted %q, want %q", got, plain)
	}
}

func TestZipCryptoWrongPassword(t *testing.T) {
	header := make([]byte, 12)
	header[11] = 0x42
	cipher := encryptZipCrypto("correct", header, []byte("data"))

	e := &Engine{password: "wrong", verifier: map[string]byte{"f": 0x42}}
	_, err := e.decryptZipCrypto(bytes.NewReader(cipher), types.Entry{Path: "f"})
	if !errors.Is(err, types.ErrAuthentication) {
		t.Errorf("wrong password: err = %v, want ErrAuthentication", err)
	}
}

// buildAESPayload produces the WinZip AES wire format for a stored plaintext:
// salt, password verifier, CTR ciphertext, 10-byte auth code.
func buildAESPayload(t *testing.T, password string, strength byte, plain []byte) []byte {
	t.Helper()
	saltLen, err := aesSaltLen(strength)
	if err != nil {
		t.Fatalf("bad strength: %v", err)
	}
	keyLen := saltLen * 2

	salt := make([]byte, saltLen)
	rand.Read(salt)
	derived := pbkdf2.Key([]byte(password), salt, 1000, 2*keyLen+2, sha1.New)

	block, err := aes.NewCipher(derived[:keyLen])
	if err != nil {
		t.Fatalf("aes init: %v", err)
	}
	cipherText := make([]byte, len(plain))
	newCTRLE(block).XORKeyStream(cipherText, plain)

	mac := hmac.New(sha1.New, derived[keyLen:2*keyLen])
	mac.Write(cipherText)

	var buf bytes.Buffer
	buf.Write(salt)
	buf.Write(derived[2*keyLen:]) // password verifier
	buf.Write(cipherText)
	buf.Write(mac.Sum(nil)[:10])
	return buf.Bytes()
}

func TestAESRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("winzip aes payload "), 100)
	for _, strength := range []byte{1, 2, 3} {
		payload := buildAESPayload(t, "s3cret", strength, plain)

		e := &Engine{password: "s3cret"}
		entry := types.Entry{Path: "f", CompressedSize: int64(len(payload))}
		r, err := e.decryptAES(bytes.NewReader(payload), entry, aesParams{strength: strength})
		if err != nil {
			t.Fatalf("strength %d: decryptAES failed: %v", strength, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("strength %d: read failed: %v", strength, err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("strength %d: decrypted bytes differ", strength)
		}
	}
}

func TestAESWrongPassword(t *testing.T) {
	payload := buildAESPayload(t, "right", 3, []byte("data"))
	e := &Engine{password: "wrong"}
	entry := types.Entry{Path: "f", CompressedSize: int64(len(payload))}
	_, err := e.decryptAES(bytes.NewReader(payload), entry, aesParams{strength: 3})
	if !errors.Is(err, types.ErrAuthentication) {
		t.Errorf("wrong password: err = %v, want ErrAuthentication", err)
	}
}

func TestAESTamperedCiphertext(t *testing.T) {
	payload := buildAESPayload(t, "pw", 3, bytes.Repeat([]byte("x"), 256))
	payload[len(payload)-20] ^= 0x01 // inside the ciphertext

	e := &Engine{password: "pw"}
	entry := types.Entry{Path: "f", CompressedSize: int64(len(payload))}
	r, err := e.decryptAES(bytes.NewReader(payload), entry, aesParams{strength: 3})
	if err != nil {
		t.Fatalf("decryptAES failed: %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, types.ErrAuthentication) {
		t.Errorf("tampered stream: err = %v, want ErrAuthentication", err)
	}
}
