package netsvc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectCipherKnownNames(t *testing.T) {
	for _, name := range []string{"aes", "aes-128-gcm", "aes-192", "blowfish", "twofish", "salsa20", "xor"} {
		c, effective, err := SelectCipher(name, "correct horse battery staple")
		require.NoError(t, err, name)
		require.Equal(t, name, effective)
		require.NotNil(t, c)
	}
}

func TestSelectCipherNoneReturnsNilCipher(t *testing.T) {
	c, effective, err := SelectCipher("none", "secret")
	require.NoError(t, err)
	require.Equal(t, "none", effective)
	require.Nil(t, c)
}

func TestSelectCipherUnknownFallsBackToAES(t *testing.T) {
	c, effective, err := SelectCipher("rot13", "secret")
	require.NoError(t, err)
	require.Equal(t, "aes", effective)
	require.NotNil(t, c)
}

func TestAESGCMCipherSealOpenRoundTrip(t *testing.T) {
	key := DeriveKey("a shared secret", 32)
	c, err := NewAESGCMCipher(key)
	require.NoError(t, err)

	nonce, err := RandomNonce(c)
	require.NoError(t, err)

	plaintext := []byte("hello over the wire")
	sealed := c.Seal(nil, nonce, plaintext, nil)
	opened, err := c.Open(nil, nonce, sealed, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestBlockCryptCipherSealOpenRoundTrip(t *testing.T) {
	c, _, err := SelectCipher("blowfish", "a shared secret")
	require.NoError(t, err)

	nonce, err := RandomNonce(c)
	require.NoError(t, err)
	plaintext := []byte("some payload bytes")
	sealed := c.Seal(nil, nonce, plaintext, nil)
	opened, err := c.Open(nil, nonce, sealed, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestBlockCryptCipherRejectsTamperedTag(t *testing.T) {
	c, _, err := SelectCipher("xor", "a shared secret")
	require.NoError(t, err)

	nonce, err := RandomNonce(c)
	require.NoError(t, err)
	sealed := c.Seal(nil, nonce, []byte("payload"), nil)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = c.Open(nil, nonce, sealed, nil)
	require.Error(t, err)
}

func TestSealFrameReadFrameRoundTrip(t *testing.T) {
	c, _, err := SelectCipher("aes", "frame secret")
	require.NoError(t, err)

	plaintext := []byte("a whole application message")
	out, err := sealFrame(c, plaintext)
	require.NoError(t, err)

	r := bufio.NewReader(bytes.NewReader(out))
	got, err := readFrame(r, c)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	c, _, err := SelectCipher("aes", "frame secret")
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // length far beyond maxFrameSize
	r := bufio.NewReader(&buf)
	_, err = readFrame(r, c)
	require.Error(t, err)
}

func TestSealFrameReadFrameConcatenatesMultipleFrames(t *testing.T) {
	c, _, err := SelectCipher("aes", "frame secret")
	require.NoError(t, err)

	var wire bytes.Buffer
	for _, msg := range [][]byte{[]byte("first"), []byte("second"), []byte("third")} {
		out, err := sealFrame(c, msg)
		require.NoError(t, err)
		wire.Write(out)
	}

	r := bufio.NewReader(&wire)
	for _, want := range []string{"first", "second", "third"} {
		got, err := readFrame(r, c)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestOpenDatagramRoundTrip(t *testing.T) {
	c, _, err := SelectCipher("aes", "datagram secret")
	require.NoError(t, err)

	nonce, err := RandomNonce(c)
	require.NoError(t, err)
	plaintext := []byte("one datagram's worth of bytes")
	sealed := c.Seal(append([]byte{}, nonce...), nonce, plaintext, nil)

	opened, err := openDatagram(c, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenDatagramRejectsShortInput(t *testing.T) {
	c, _, err := SelectCipher("aes", "datagram secret")
	require.NoError(t, err)

	_, err = openDatagram(c, []byte{1, 2, 3})
	require.Error(t, err)
}
