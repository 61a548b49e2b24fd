// Package hash wraps bcrypt for password storage and verification.
package hash

import (
	"github.com/sablemq/sablemq/pkg/er"
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is used when callers don't need a specific bcrypt cost.
const DefaultCost = bcrypt.DefaultCost

func HashPasswd(passwd string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
	if err != nil {
		return "", &er.Err{
			Context: "Hash",
			Message: er.ErrHashFailed,
		}
	}

	return string(hash), nil
}

func VerifyPasswd(hash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(passwd))
	return err == nil
}
