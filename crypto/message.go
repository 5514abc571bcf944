package crypto

import (
	"errors"
	"fmt"
)

const groupMessageVersion = 1

var ErrMalformedMessage = errors.New("crypto: malformed group message")

// Group messages are laid out as
//
//	version(1) keyIDLen(1) keyID nonce(24) ciphertext
//
// with the version and key id bound as associated data.

// SealGroupMessage encrypts msg under a community sender key, tagging it with keyID.
func SealGroupMessage(key [KeySize]byte, keyID string, msg []byte) ([]byte, error) {
	if len(keyID) == 0 || len(keyID) > 255 {
		return nil, fmt.Errorf("crypto: invalid key id length %d", len(keyID))
	}
	header := make([]byte, 0, 2+len(keyID))
	header = append(header, groupMessageVersion, uint8(len(keyID)))
	header = append(header, keyID...)
	enc, err := EncryptWithKey(key[:], msg, header)
	if err != nil {
		return nil, err
	}
	return append(header, enc...), nil
}

// GroupMessageKeyID returns the key id a group message was sealed with.
func GroupMessageKeyID(in []byte) (string, error) {
	header, err := groupMessageHeader(in)
	if err != nil {
		return "", err
	}
	return string(header[2:]), nil
}

func OpenGroupMessage(key [KeySize]byte, in []byte) ([]byte, error) {
	header, err := groupMessageHeader(in)
	if err != nil {
		return nil, err
	}
	return DecryptWithKey(key[:], in[len(header):], header)
}

func groupMessageHeader(in []byte) ([]byte, error) {
	if len(in) < 2 {
		return nil, ErrMalformedMessage
	}
	if in[0] != groupMessageVersion {
		return nil, fmt.Errorf("crypto: expected version %d, got %d: %w", groupMessageVersion, in[0], ErrMalformedMessage)
	}
	l := int(in[1])
	if l == 0 || len(in) < 2+l {
		return nil, ErrMalformedMessage
	}
	return in[:2+l], nil
}
