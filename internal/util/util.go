package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const pwdCost = 12

// GenRandomString returns prefix followed by n securely generated random
// bytes, URL-safe base64 encoded.
func GenRandomString(prefix []byte, n int) string {
	b := append(append([]byte{}, prefix...), GenRandomBytes(n)...)
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenRandomBytes panics when the system's secure random number generator
// fails, in which case the caller should not continue anyway.
func GenRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func JsonWrite(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func CryptPwd(password string) (string, error) {
	x, err := bcrypt.GenerateFromPassword([]byte(password), pwdCost)
	if err != nil {
		return "", err
	}
	return string(x), nil
}

func CheckPwd(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
