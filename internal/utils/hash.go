package utils

import (
	"crypto/md5"
	"encoding/hex"
)

// ContentETag is the md5 hex digest of data, the same form used as an etag.
func ContentETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
