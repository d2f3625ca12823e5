package zip

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/sirrobot01/dlextract/pkg/archive/types"
	"golang.org/x/crypto/pbkdf2"
)

// Traditional PKWARE ("ZipCrypto") decryption. The 12-byte prelude ends in a
// verification byte checked against the entry CRC, which catches most wrong
// passwords before any bytes are decompressed.

type zipCryptoKeys struct {
	k0, k1, k2 uint32
}

func newZipCryptoKeys(password string) *zipCryptoKeys {
	k := &zipCryptoKeys{k0: 0x12345678, k1: 0x23456789, k2: 0x34567890}
	for i := 0; i < len(password); i++ {
		k.update(password[i])
	}
	return k
}

func crcUpdate(k uint32, c byte) uint32 {
	return crc32.IEEETable[(k^uint32(c))&0xff] ^ (k >> 8)
}

func (k *zipCryptoKeys) update(c byte) {
	k.k0 = crcUpdate(k.k0, c)
	k.k1 += k.k0 & 0xff
	k.k1 = k.k1*134775813 + 1
	k.k2 = crcUpdate(k.k2, byte(k.k1>>24))
}

func (k *zipCryptoKeys) decryptByte(c byte) byte {
	t := k.k2 | 2
	plain := c ^ byte((t*(t^1))>>8)
	k.update(plain)
	return plain
}

type zipCryptoReader struct {
	r    io.Reader
	keys *zipCryptoKeys
}

func (z *zipCryptoReader) Read(p []byte) (int, error) {
	n, err := z.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] = z.keys.decryptByte(p[i])
	}
	return n, err
}

func (e *Engine) decryptZipCrypto(r io.Reader, entry types.Entry) (io.Reader, error) {
	keys := newZipCryptoKeys(e.password)
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %s: encryption header truncated", types.ErrCorruptEntry, entry.Path)
	}
	for i := range header {
		header[i] = keys.decryptByte(header[i])
	}
	if want, ok := e.verifier[entry.Path]; ok && header[11] != want {
		return nil, fmt.Errorf("%w: %s", types.ErrAuthentication, entry.Path)
	}
	return &zipCryptoReader{r: r, keys: keys}, nil
}

// WinZip AES (AE-1/AE-2): PBKDF2-derived keys, AES-CTR with a little-endian
// counter, and an HMAC-SHA1 auth code over the ciphertext.

func aesSaltLen(strength byte) (int, error) {
	switch strength {
	case 1:
		return 8, nil
	case 2:
		return 12, nil
	case 3:
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: AES strength %d", types.ErrMethodUnsupported, strength)
	}
}

func (e *Engine) decryptAES(r io.Reader, entry types.Entry, params aesParams) (io.Reader, error) {
	saltLen, err := aesSaltLen(params.strength)
	if err != nil {
		return nil, err
	}
	keyLen := saltLen * 2

	encLen := entry.CompressedSize - int64(saltLen) - 2 - 10
	if encLen < 0 {
		return nil, fmt.Errorf("%w: %s: AES payload too short", types.ErrCorruptEntry, entry.Path)
	}

	prefix := make([]byte, saltLen+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("%w: %s: AES prefix truncated", types.ErrCorruptEntry, entry.Path)
	}
	salt, verify := prefix[:saltLen], prefix[saltLen:]

	derived := pbkdf2.Key([]byte(e.password), salt, 1000, 2*keyLen+2, sha1.New)
	aesKey := derived[:keyLen]
	macKey := derived[keyLen : 2*keyLen]
	if subtle.ConstantTimeCompare(verify, derived[2*keyLen:]) != 1 {
		return nil, fmt.Errorf("%w: %s", types.ErrAuthentication, entry.Path)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}

	return &aesReader{
		src:   r,
		left:  encLen,
		ctr:   newCTRLE(block),
		mac:   hmac.New(sha1.New, macKey),
		entry: entry.Path,
	}, nil
}

// aesReader decrypts the bounded ciphertext, feeding the HMAC as it goes, and
// verifies the 10-byte auth code at EOF.
type aesReader struct {
	src   io.Reader
	left  int64
	ctr   *ctrLE
	mac   hash.Hash
	entry string
	done  bool
}

func (a *aesReader) Read(p []byte) (int, error) {
	if a.left == 0 {
		if !a.done {
			a.done = true
			if err := a.checkAuthCode(); err != nil {
				return 0, err
			}
		}
		return 0, io.EOF
	}
	if int64(len(p)) > a.left {
		p = p[:a.left]
	}
	n, err := a.src.Read(p)
	if n > 0 {
		a.mac.Write(p[:n])
		a.ctr.XORKeyStream(p[:n], p[:n])
		a.left -= int64(n)
	}
	if err == io.EOF && a.left > 0 {
		return n, fmt.Errorf("%w: %s: AES stream truncated", types.ErrCorruptEntry, a.entry)
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (a *aesReader) checkAuthCode() error {
	code := make([]byte, 10)
	if _, err := io.ReadFull(a.src, code); err != nil {
		return fmt.Errorf("%w: %s: auth code truncated", types.ErrCorruptEntry, a.entry)
	}
	if subtle.ConstantTimeCompare(code, a.mac.Sum(nil)[:10]) != 1 {
		return fmt.Errorf("%w: %s: auth code mismatch", types.ErrAuthentication, a.entry)
	}
	return nil
}

// ctrLE is AES-CTR with a little-endian counter starting at 1, as specified
// for WinZip AES; crypto/cipher's CTR increments big-endian and cannot be
// reused here.
type ctrLE struct {
	block   cipher.Block
	counter [16]byte
	stream  [16]byte
	used    int
}

func newCTRLE(block cipher.Block) *ctrLE {
	c := &ctrLE{block: block, used: 16}
	return c
}

func (c *ctrLE) XORKeyStream(dst, src []byte) {
	for i := range src {
		if c.used == 16 {
			c.next()
		}
		dst[i] = src[i] ^ c.stream[c.used]
		c.used++
	}
}

func (c *ctrLE) next() {
	for i := 0; i < 16; i++ {
		c.counter[i]++
		if c.counter[i] != 0 {
			break
		}
	}
	c.block.Encrypt(c.stream[:], c.counter[:])
	c.used = 0
}
