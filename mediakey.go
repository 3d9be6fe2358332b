package mediaingest

import (
	"errors"
	"strings"
)

// ErrInvalidMediaKey is returned by ParseMediaKey for malformed keys.
var ErrInvalidMediaKey = errors.New("invalid media key")

const mediaKeyPrefix = "media_"

// MediaKey identifies one inbound media item from one sender. It is the
// key used by the in-memory dedup cache and the document store index.
func MediaKey(mediaID, from string) string {
	return mediaKeyPrefix + mediaID + "_" + from
}

// ParseMediaKey splits a key built by MediaKey. Sender ids are phone
// numbers and never contain underscores, so the last underscore is the
// separator.
func ParseMediaKey(key string) (mediaID, from string, err error) {
	rest, ok := strings.CutPrefix(key, mediaKeyPrefix)
	if !ok {
		return "", "", ErrInvalidMediaKey
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", ErrInvalidMediaKey
	}
	return rest[:i], rest[i+1:], nil
}
