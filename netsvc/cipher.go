package netsvc

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdfSalt mirrors the teacher's fixed PBKDF2 salt (std/crypt.go /
// server/main.go SALT constant) used to derive a session key from a
// pre-shared secret.
const pbkdfSalt = "catalina-net"

// Cipher is the symmetric-cipher collaborator named in spec §6: an
// AEAD-shaped wrapper (key, nonce, AAD, tag) around payload bytes. It has
// the same method shape as collab.Cipher; netsvc keeps its own alias so
// this package carries no import-time dependency on collab.
type Cipher = interface {
	Seal(dst, nonce, plaintext, aad []byte) []byte
	Open(dst, nonce, ciphertext, aad []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

const hmacTagSize = sha256.Size

// DeriveKey stretches a pre-shared secret into a fixed-size key, grounded
// on the teacher's pbkdf2.Key(..., sha1.New) call in server/main.go.
func DeriveKey(secret string, keyLen int) []byte {
	return pbkdf2.Key([]byte(secret), []byte(pbkdfSalt), 4096, keyLen, sha1.New)
}

// aesGCMCipher adapts crypto/cipher's AES-GCM AEAD to the Cipher shape,
// grounded on the teacher's "aes-128-gcm" entry in std/crypt.go.
type aesGCMCipher struct {
	aead cipher.AEAD
}

// NewAESGCMCipher builds the default payload cipher from a derived key.
// keyLen of 16/24/32 selects AES-128/192/256, matching the teacher's
// aes-128 / aes-192 / aes (256) cipher name family in std/crypt.go.
func NewAESGCMCipher(key []byte) (Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "netsvc: build aes block cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "netsvc: build gcm aead")
	}
	return &aesGCMCipher{aead: aead}, nil
}

func (c *aesGCMCipher) Seal(dst, nonce, plaintext, aad []byte) []byte {
	return c.aead.Seal(dst, nonce, plaintext, aad)
}

func (c *aesGCMCipher) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	out, err := c.aead.Open(dst, nonce, ciphertext, aad)
	if err != nil {
		return nil, errors.Wrap(err, "netsvc: aead open")
	}
	return out, nil
}

func (c *aesGCMCipher) NonceSize() int { return c.aead.NonceSize() }
func (c *aesGCMCipher) Overhead() int  { return c.aead.Overhead() }

// blockCryptCipher adapts one of kcp-go's non-AEAD kcp.BlockCrypt suites
// (blowfish, twofish, cast5, 3des, tea, xtea, salsa20, sm4, plain xor) to
// the AEAD-shaped Cipher by appending an HMAC-SHA256 tag over the nonce,
// AAD and ciphertext, the same classical encrypt-then-MAC composition the
// teacher leaves to kcp-go's packet layer to not need (kcp-go authenticates
// whole UDP packets at the FEC layer instead); since this module has no
// FEC layer, authentication is added explicitly here.
type blockCryptCipher struct {
	block  kcp.BlockCrypt
	macKey []byte
}

func (c *blockCryptCipher) Seal(dst, nonce, plaintext, aad []byte) []byte {
	ciphertext := make([]byte, len(plaintext))
	c.block.Encrypt(ciphertext, plaintext)
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(nonce)
	mac.Write(aad)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)
	out := append(dst, ciphertext...)
	return append(out, tag...)
}

func (c *blockCryptCipher) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < hmacTagSize {
		return nil, errors.New("netsvc: ciphertext shorter than tag")
	}
	body, tag := ciphertext[:len(ciphertext)-hmacTagSize], ciphertext[len(ciphertext)-hmacTagSize:]
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(nonce)
	mac.Write(aad)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, errors.New("netsvc: authentication failed")
	}
	plaintext := make([]byte, len(body))
	c.block.Decrypt(plaintext, body)
	return append(dst, plaintext...), nil
}

func (c *blockCryptCipher) NonceSize() int { return 12 }
func (c *blockCryptCipher) Overhead() int  { return hmacTagSize }

// newBlockCryptCipher derives a MAC key alongside the cipher key so the
// authentication tag is independent of the confidentiality key.
func newBlockCryptCipher(block kcp.BlockCrypt, secret string) Cipher {
	return &blockCryptCipher{block: block, macKey: DeriveKey(secret+"|mac", 32)}
}

// cryptMethod describes one named cipher suite, grounded directly on the
// teacher's cryptMethods table in std/crypt.go.
type cryptMethod struct {
	keySize int
	build   func(key []byte, secret string) (Cipher, error)
}

var cryptMethods = map[string]cryptMethod{
	"none": {0, func([]byte, string) (Cipher, error) { return nil, nil }},
	"aes-128-gcm": {16, func(key []byte, _ string) (Cipher, error) { return NewAESGCMCipher(key) }},
	"aes-192":     {24, func(key []byte, _ string) (Cipher, error) { return NewAESGCMCipher(key) }},
	"aes":         {32, func(key []byte, _ string) (Cipher, error) { return NewAESGCMCipher(key) }},
	"blowfish": {0, func(key []byte, s string) (Cipher, error) {
		b, err := kcp.NewBlowfishBlockCrypt(key)
		if err != nil {
			return nil, err
		}
		return newBlockCryptCipher(b, s), nil
	}},
	"twofish": {0, func(key []byte, s string) (Cipher, error) {
		b, err := kcp.NewTwofishBlockCrypt(key)
		if err != nil {
			return nil, err
		}
		return newBlockCryptCipher(b, s), nil
	}},
	"salsa20": {32, func(key []byte, s string) (Cipher, error) {
		b, err := kcp.NewSalsa20BlockCrypt(key)
		if err != nil {
			return nil, err
		}
		return newBlockCryptCipher(b, s), nil
	}},
	"xor": {0, func(key []byte, s string) (Cipher, error) {
		b, err := kcp.NewSimpleXORBlockCrypt(key)
		if err != nil {
			return nil, err
		}
		return newBlockCryptCipher(b, s), nil
	}},
}

// SelectCipher translates a human readable cipher name into a concrete
// Cipher, deriving the key from secret. It falls back to AES-256-GCM on
// an unknown name, mirroring the teacher's SelectBlockCrypt fallback in
// std/crypt.go; the caller logs the effective name it gets back.
func SelectCipher(name, secret string) (c Cipher, effective string, err error) {
	m, ok := cryptMethods[name]
	if !ok {
		m, name = cryptMethods["aes"], "aes"
	}
	if name == "none" {
		return nil, "none", nil
	}
	keySize := m.keySize
	if keySize == 0 {
		keySize = 32
	}
	key := DeriveKey(secret, keySize)
	c, err = m.build(key, secret)
	if err != nil {
		fallback, ferr := NewAESGCMCipher(DeriveKey(secret, 32))
		if ferr != nil {
			return nil, "", errors.Wrapf(err, "netsvc: build cipher %q (fallback also failed: %v)", name, ferr)
		}
		return fallback, "aes", nil
	}
	return c, name, nil
}

// maxFrameSize bounds a single length-prefixed ciphertext frame, guarding
// readFrame against a corrupt or hostile length prefix driving an
// unbounded allocation.
const maxFrameSize = 1 << 20

// sealFrame seals plaintext and prefixes it with a 4-byte big-endian
// length, the stream-socket framing a TCP channel needs since, unlike a
// UDP datagram, a net.Conn carries no boundaries of its own.
func sealFrame(c Cipher, plaintext []byte) ([]byte, error) {
	nonce, err := RandomNonce(c)
	if err != nil {
		return nil, err
	}
	sealed := c.Seal(append([]byte{}, nonce...), nonce, plaintext, nil)
	out := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(out, uint32(len(sealed)))
	copy(out[4:], sealed)
	return out, nil
}

// readFrame reads one length-prefixed, sealed frame from r and opens it.
func readFrame(r *bufio.Reader, c Cipher) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errors.Errorf("netsvc: frame size %d exceeds limit", n)
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, err
	}
	nonceSize := c.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("netsvc: frame shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return c.Open(nil, nonce, ciphertext, nil)
}

// openDatagram opens a whole UDP datagram sealed by Seal(nonce-prefixed
// dst, ...): the nonce occupies the first NonceSize bytes, no length
// prefix needed since the datagram boundary already delimits the frame.
func openDatagram(c Cipher, sealed []byte) ([]byte, error) {
	nonceSize := c.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("netsvc: datagram shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return c.Open(nil, nonce, ciphertext, nil)
}

// RandomNonce fills a fresh nonce of the cipher's expected size.
func RandomNonce(c Cipher) ([]byte, error) {
	nonce := make([]byte, c.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "netsvc: generate nonce")
	}
	return nonce, nil
}
