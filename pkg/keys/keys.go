// Package keys generates access key secrets with the owning project ID
// embedded, so a key can be routed to its project without a store lookup.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

const (
	versionV1 byte = 1
	versionV2 byte = 2

	keyLen = 26 // version + project id + random
)

var encoding = base64.RawURLEncoding

// Generate returns a new access key for projectID. With an empty prefix the
// v1 format is used, otherwise v2 "prefix:payload".
func Generate(prefix string, projectID uint64) (string, error) {
	version := versionV1
	if prefix != "" {
		if strings.Contains(prefix, ":") {
			return "", fmt.Errorf("key prefix %q must not contain ':'", prefix)
		}
		version = versionV2
	}

	buf := make([]byte, keyLen)
	buf[0] = version
	binary.BigEndian.PutUint64(buf[1:9], projectID)
	if _, err := rand.Read(buf[9:]); err != nil {
		return "", fmt.Errorf("generate access key: %w", err)
	}

	key := encoding.EncodeToString(buf)
	if version == versionV2 {
		key = prefix + ":" + key
	}
	return key, nil
}

// ProjectID decodes the project ID embedded in accessKey. Malformed keys
// fail with AccessKeyNotFound.
func ProjectID(accessKey string) (uint64, error) {
	payload := accessKey
	want := versionV1
	if _, rest, ok := strings.Cut(accessKey, ":"); ok {
		payload = rest
		want = versionV2
	}

	buf, err := encoding.DecodeString(payload)
	if err != nil {
		return 0, models.ErrAccessKeyNotFound.WithCause(err)
	}
	if len(buf) != keyLen || buf[0] != want {
		return 0, models.ErrAccessKeyNotFound.WithCausef("invalid access key format")
	}
	return binary.BigEndian.Uint64(buf[1:9]), nil
}

// Prefix returns the v2 prefix of accessKey, or "" for v1 keys.
func Prefix(accessKey string) string {
	prefix, _, ok := strings.Cut(accessKey, ":")
	if !ok {
		return ""
	}
	return prefix
}
