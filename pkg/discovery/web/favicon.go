package web

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/twmb/murmur3"
)

// FaviconHash returns the Shodan style mmh3 hash of a favicon: the signed
// 32-bit murmur3 of the MIME base64 encoding (76 column lines, trailing
// newline).
func FaviconHash(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)

	var b strings.Builder
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteByte('\n')
		encoded = encoded[76:]
	}
	b.WriteString(encoded)
	b.WriteByte('\n')

	return strconv.Itoa(int(int32(murmur3.Sum32([]byte(b.String())))))
}
