package provisioning

import (
	"crypto/rand"
	"fmt"
)

// 62 characters: 0-9, a-z, A-Z
const passwordAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomPassword returns a uniformly distributed Base62 password for a newly
// seeded account.
func randomPassword(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid password length: %d", length)
	}

	// Rejection sampling to avoid modulo bias.
	// 248 is the largest multiple of 62 below 256.
	const maxRandomByte = 248

	password := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0

	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read secure random bytes: %w", err)
		}

		for _, b := range buf {
			if b >= maxRandomByte {
				continue
			}
			password[written] = passwordAlphabet[int(b)%len(passwordAlphabet)]
			written++
			if written == length {
				break
			}
		}
	}

	return string(password), nil
}
