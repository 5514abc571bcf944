package senderkeys

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// newKey stretches password with argon2id using a salt kept at root/saltName, creating the salt on first use.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := readSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func readSalt(saltPath string) ([]byte, error) {
	salt, err := os.ReadFile(saltPath) // #nosec G304
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("senderkeys: expected %d byte salt, got %d", saltSize, len(salt))
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	salt = make([]byte, saltSize)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}
