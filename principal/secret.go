package principal

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// VerifySecret reports whether credential matches one of p's secrets. A
// secret starting with "$2" is a bcrypt hash, anything else is compared
// directly in constant time. The credential is NFC-normalized before
// comparison, like names and passwords are normalized on write.
func (p Principal) VerifySecret(credential string) bool {
	credential = norm.NFC.String(credential)
	ok := false
	for _, secret := range p.Secrets {
		if strings.HasPrefix(secret, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(secret), []byte(credential)) == nil {
				ok = true
			}
		} else if subtle.ConstantTimeCompare([]byte(secret), []byte(credential)) == 1 {
			ok = true
		}
	}
	return ok
}

// HashSecret returns a bcrypt hash of password for storing in Secrets.
func HashSecret(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(norm.NFC.String(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
