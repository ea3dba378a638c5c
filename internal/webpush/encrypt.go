package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Payloads are padded to a fixed size before encryption so message
// length does not leak content. The targets are the largest sizes the
// least capable push services accept for each scheme.
const (
	paddedLengthAES128GCM = 3052
	paddedLengthAESGCM    = 2820

	// recordSize in the aes128gcm content-coding header. Everything fits
	// in a single record.
	recordSize = 4096
)

// padPayload pads to the compatibility length for the encoding. Under
// aes128gcm the delimiter octet 0x02 marks the last record and zero
// padding follows it; under the legacy aesgcm draft a 2-byte big-endian
// pad length and that many zero octets precede the payload.
func padPayload(payload []byte, encoding string) ([]byte, error) {
	if encoding == "aesgcm" {
		if len(payload) > paddedLengthAESGCM {
			return nil, fmt.Errorf("payload of %d bytes exceeds aesgcm limit", len(payload))
		}
		padLen := paddedLengthAESGCM - len(payload)
		out := make([]byte, 2+padLen+len(payload))
		binary.BigEndian.PutUint16(out[:2], uint16(padLen))
		copy(out[2+padLen:], payload)
		return out, nil
	}

	if len(payload) > paddedLengthAES128GCM {
		return nil, fmt.Errorf("payload of %d bytes exceeds aes128gcm limit", len(payload))
	}
	out := make([]byte, paddedLengthAES128GCM+1)
	copy(out, payload)
	out[len(payload)] = 0x02
	return out, nil
}

// encrypted is the output of one message encryption.
type encrypted struct {
	salt       []byte // 16 bytes
	serverPub  []byte // 65-byte uncompressed point of the ephemeral key
	ciphertext []byte
}

// encryptPayload encrypts an already-padded plaintext for one
// subscription. aes128gcm key derivation follows RFC 8291; aesgcm
// follows draft-ietf-webpush-encryption-04, which older browsers still
// subscribe with. Both end in AES-128-GCM with a 12-byte nonce.
func encryptPayload(plaintext []byte, p256dh, auth string, encoding string) (*encrypted, error) {
	clientPubRaw, err := decodeBase64URL(p256dh)
	if err != nil {
		return nil, fmt.Errorf("decode subscription key: %w", err)
	}
	authSecret, err := decodeBase64URL(auth)
	if err != nil {
		return nil, fmt.Errorf("decode auth secret: %w", err)
	}
	if len(authSecret) != 16 {
		return nil, fmt.Errorf("auth secret must be 16 bytes, got %d", len(authSecret))
	}

	curve := ecdh.P256()
	clientPub, err := curve.NewPublicKey(clientPubRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid subscription key: %w", err)
	}
	serverKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := serverKey.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh agreement: %w", err)
	}
	serverPub := serverKey.PublicKey().Bytes()

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	var cek, nonce []byte
	if encoding == "aesgcm" {
		// context = "P-256" || 0x00 || len(ua_public) || ua_public ||
		//           len(as_public) || as_public
		context := make([]byte, 0, 6+2+65+2+65)
		context = append(context, []byte("P-256\x00")...)
		context = binary.BigEndian.AppendUint16(context, uint16(len(clientPubRaw)))
		context = append(context, clientPubRaw...)
		context = binary.BigEndian.AppendUint16(context, uint16(len(serverPub)))
		context = append(context, serverPub...)

		ikm := hkdfExpand(hkdf.Extract(sha256.New, shared, authSecret), []byte("Content-Encoding: auth\x00"), 32)
		prk := hkdf.Extract(sha256.New, ikm, salt)
		cek = hkdfExpand(prk, append([]byte("Content-Encoding: aesgcm\x00"), context...), 16)
		nonce = hkdfExpand(prk, append([]byte("Content-Encoding: nonce\x00"), context...), 12)
	} else {
		keyInfo := make([]byte, 0, 14+65+65)
		keyInfo = append(keyInfo, []byte("WebPush: info\x00")...)
		keyInfo = append(keyInfo, clientPubRaw...)
		keyInfo = append(keyInfo, serverPub...)

		ikm := hkdfExpand(hkdf.Extract(sha256.New, shared, authSecret), keyInfo, 32)
		prk := hkdf.Extract(sha256.New, ikm, salt)
		cek = hkdfExpand(prk, []byte("Content-Encoding: aes128gcm\x00"), 16)
		nonce = hkdfExpand(prk, []byte("Content-Encoding: nonce\x00"), 12)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &encrypted{
		salt:       salt,
		serverPub:  serverPub,
		ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// body assembles the request body. aes128gcm carries its parameters in a
// binary header before the ciphertext; aesgcm ships them in HTTP headers
// and the body is the bare ciphertext.
func (e *encrypted) body(encoding string) []byte {
	if encoding == "aesgcm" {
		return e.ciphertext
	}

	// salt (16) || record size (4, BE) || key id length (1) || key id
	header := make([]byte, 0, 16+4+1+len(e.serverPub)+len(e.ciphertext))
	header = append(header, e.salt...)
	header = binary.BigEndian.AppendUint32(header, recordSize)
	header = append(header, byte(len(e.serverPub)))
	header = append(header, e.serverPub...)
	return append(header, e.ciphertext...)
}

func hkdfExpand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		// Only reachable when length exceeds 255*hash size, which no
		// caller does.
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}
