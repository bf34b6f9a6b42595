package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	idBytes = 16
	// IDLen is the length of a base62 encoded 128-bit value.
	IDLen = 22
)

// GenID returns a fresh 128-bit random identifier that exists reports as
// unused.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < 5; retry++ {
		buf := make([]byte, idBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		if exists == nil {
			return id, nil
		}
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.New("id collision after 5 retries")
}

func ValidID(id string) bool {
	if len(id) != IDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

func toBase62(num *big.Int) string {
	base := big.NewInt(62)
	result := make([]byte, 0, IDLen)
	zero := big.NewInt(0)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < IDLen {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
