package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword hashes low-entropy secrets (passwords, recovery codes)
// with bcrypt. The returned string embeds algorithm, cost and salt, so
// CheckPassword needs no separate parameters.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash. A
// wrong password and a structurally malformed hash both return false;
// the caller never learns which.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
