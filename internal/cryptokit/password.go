package cryptokit

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordCost matches the work factor the credential data was
// provisioned with. Hashing at this cost stays in the tens of milliseconds.
const DefaultPasswordCost = 11

// HashPassword computes a salted bcrypt hash at the given cost. A cost below
// bcrypt.MinCost falls back to DefaultPasswordCost so misconfiguration can
// never silently weaken hashing.
func HashPassword(plain string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = DefaultPasswordCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("cryptokit.hash_password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword reports whether plain matches the stored bcrypt hash.
// bcrypt's comparison does not leak timing correlated with the hash prefix.
func VerifyPassword(plain string, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plain)) == nil
}
