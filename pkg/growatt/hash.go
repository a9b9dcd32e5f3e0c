package growatt

import (
	"crypto/md5"
	"encoding/hex"
)

// HashPassword produces the password form the classic login expects: the md5
// hex digest with every '0' at an even index replaced by 'c'.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	b := []byte(hex.EncodeToString(sum[:]))
	for i := 0; i < len(b); i += 2 {
		if b[i] == '0' {
			b[i] = 'c'
		}
	}
	return string(b)
}
