// Package cryptox implements the WeCom-family (and, by the same scheme,
// WeCom-App) callback signature check and AES-256-CBC payload crypto.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
)

// padBlockSize is the PKCS#7 block size used by the WeCom callback
// payload framing. The platform's own AES-256-CBC cipher block is the
// standard 16 bytes; the wire format nonetheless pads to 32, matching
// the AES key length rather than the cipher block size. This is
// preserved literally rather than "corrected" to 16 -- see DESIGN.md.
const padBlockSize = 32

// Sign computes the WeCom/WeCom-App callback signature: sha1 of
// token, timestamp, nonce, and encrypt sorted lexically and
// concatenated. Used both to verify an inbound signature and to sign
// an outbound encrypted reply.
func Sign(token, timestamp, nonce, encrypt string) string {
	params := []string{token, timestamp, nonce, encrypt}
	sort.Strings(params)
	sum := sha1.Sum([]byte(strings.Join(params, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifySignature checks the WeCom/WeCom-App callback signature:
// sha1(sort([token, timestamp, nonce, encrypt]).join("")), compared
// case-insensitively against the supplied signature.
func VerifySignature(token, signature, timestamp, nonce, encrypt string) bool {
	computed := Sign(token, timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare(
		[]byte(strings.ToLower(computed)),
		[]byte(strings.ToLower(signature)),
	) == 1
}

// Encrypt implements the WeCom payload framing: random16 || uint32_BE
// msgLen || msg || receiveId, PKCS#7 padded to padBlockSize, then
// AES-256-CBC encrypted with the IV set to the key's first 16 bytes.
func Encrypt(plaintext, receiveID string, aesKey []byte) (string, error) {
	if len(aesKey) != 32 {
		return "", gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("aes key must be 32 bytes, got %d", len(aesKey)))
	}

	random16, err := randomDigits(16)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.ConfigInvalid, "generate random prefix", err)
	}

	msgBytes := []byte(plaintext)
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(msgBytes)))

	var buf bytes.Buffer
	buf.Write(random16)
	buf.Write(lenBytes)
	buf.Write(msgBytes)
	buf.WriteString(receiveID)

	padded := pkcs7Pad(buf.Bytes(), padBlockSize)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.ConfigInvalid, "build aes cipher", err)
	}
	iv := aesKey[:aes.BlockSize]
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt and, when wantReceiveID is non-empty, checks
// the trailing receiveId matches it exactly.
func Decrypt(encryptedB64, wantReceiveID string, aesKey []byte) (string, error) {
	if len(aesKey) != 32 {
		return "", gatewayerr.New(gatewayerr.ConfigInvalid, fmt.Sprintf("aes key must be 32 bytes, got %d", len(aesKey)))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.BadPadding, "base64 decode ciphertext", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", gatewayerr.New(gatewayerr.BadPadding, "ciphertext is not a multiple of the AES block size")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.ConfigInvalid, "build aes cipher", err)
	}
	iv := aesKey[:aes.BlockSize]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain, padBlockSize)
	if err != nil {
		return "", err
	}
	if len(unpadded) < 20 {
		return "", gatewayerr.New(gatewayerr.BadPadding, "decrypted payload shorter than the fixed framing header")
	}

	msgLen := binary.BigEndian.Uint32(unpadded[16:20])
	if int(20+msgLen) > len(unpadded) {
		return "", gatewayerr.New(gatewayerr.BadPadding, "declared msgLen exceeds decrypted payload")
	}
	msg := unpadded[20 : 20+msgLen]
	receiveID := string(unpadded[20+msgLen:])

	if wantReceiveID != "" && receiveID != wantReceiveID {
		return "", gatewayerr.New(gatewayerr.ReceiveIdMismatch,
			fmt.Sprintf("receiveId mismatch: want %q got %q", wantReceiveID, receiveID))
	}
	return string(msg), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - (len(data) % blockSize)
	if padding == 0 {
		padding = blockSize
	}
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, gatewayerr.New(gatewayerr.BadPadding, "empty payload")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, gatewayerr.New(gatewayerr.BadPadding, "invalid PKCS#7 padding byte")
	}
	return data[:len(data)-padding], nil
}

// randomDigits generates n random ASCII digit bytes, matching the
// upstream callback framing's digit-only random prefix.
func randomDigits(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return nil, err
		}
		out[i] = byte('0' + v.Int64())
	}
	return out, nil
}
