package sevenzip

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/sirrobot01/dlextract/pkg/archive/types"
)

// AES-256 + SHA-256 codec (0x06F10701). The coder properties carry the KDF
// iteration power, salt and IV; the key is an iterated SHA-256 over
// salt + UTF-16LE password + round counter. Payload is AES-256-CBC, padded to
// the block size, trimmed to the coder's declared output size.

type aesProps struct {
	power int
	salt  []byte
	iv    []byte
}

func parseAESProps(p []byte) (aesProps, error) {
	if len(p) == 0 {
		return aesProps{}, errHeader("empty AES properties")
	}
	props := aesProps{power: int(p[0] & 0x3F)}
	saltSize, ivSize := 0, 0
	rest := p[1:]
	if p[0]&0xC0 != 0 {
		if len(rest) == 0 {
			return aesProps{}, errHeader("truncated AES properties")
		}
		saltSize = int(p[0]>>7&1) + int(rest[0]>>4)
		ivSize = int(p[0]>>6&1) + int(rest[0]&0x0F)
		rest = rest[1:]
	}
	if len(rest) < saltSize+ivSize {
		return aesProps{}, errHeader("AES salt/iv overrun properties")
	}
	props.salt = rest[:saltSize]
	props.iv = make([]byte, aes.BlockSize)
	copy(props.iv, rest[saltSize:saltSize+ivSize])
	return props, nil
}

// deriveKey runs the 7z KDF: 2^power rounds of SHA-256 over salt, password
// (UTF-16LE) and a little-endian round counter. Power 0x3F means the key is
// the salt and password verbatim, zero-padded.
func deriveKey(password string, props aesProps) []byte {
	encoded := utf16.Encode([]rune(password))
	pass := make([]byte, len(encoded)*2)
	for i, c := range encoded {
		binary.LittleEndian.PutUint16(pass[i*2:], c)
	}

	if props.power == 0x3F {
		key := make([]byte, 32)
		n := copy(key, props.salt)
		copy(key[n:], pass)
		return key
	}

	h := sha256.New()
	var counter [8]byte
	rounds := uint64(1) << props.power
	for i := uint64(0); i < rounds; i++ {
		h.Write(props.salt)
		h.Write(pass)
		binary.LittleEndian.PutUint64(counter[:], i)
		h.Write(counter[:])
	}
	return h.Sum(nil)
}

// aesDecrypt decrypts the whole coder input. Folder decoding buffers its
// output anyway, so the bounded ciphertext is read eagerly here.
func (e *Engine) aesDecrypt(in io.ReadCloser, propBytes []byte, outSize uint64) (io.ReadCloser, error) {
	props, err := parseAESProps(propBytes)
	if err != nil {
		return nil, err
	}
	if e.password == "" {
		return nil, types.ErrPasswordRequired
	}

	data, err := io.ReadAll(in)
	if cerr := in.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted stream: %w", err)
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: encrypted stream not block-aligned", types.ErrCorruptEntry)
	}
	if uint64(len(data)) < outSize {
		return nil, fmt.Errorf("%w: encrypted stream shorter than output", types.ErrCorruptEntry)
	}

	block, err := aes.NewCipher(deriveKey(e.password, props))
	if err != nil {
		return nil, err
	}
	cipher.NewCBCDecrypter(block, props.iv).CryptBlocks(data, data)

	return io.NopCloser(bytes.NewReader(data[:outSize])), nil
}
