package domain

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// SealedPrefix marks content that was sealed at rest. It cannot start a
// client envelope because ':' is outside the base64 alphabet.
const SealedPrefix = "sealed:v1:"

// SealedBlob is the stored form of a paste's content when at-rest sealing
// is enabled. The client envelope is sealed under a per-record DEK and the
// DEK is wrapped by the KMS.
type SealedBlob struct {
	Version    int    `json:"v"`
	WrappedDEK []byte `json:"dek"`
	Sealed     []byte `json:"ct"`
}

func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, SealedPrefix)
}

func (b *SealedBlob) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", errors.Wrap(err, "marshal sealed blob")
	}
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeSealedBlob(stored string) (*SealedBlob, error) {
	if !IsSealed(stored) {
		return nil, errors.New("not a sealed blob")
	}
	raw, err := base64.RawURLEncoding.DecodeString(stored[len(SealedPrefix):])
	if err != nil {
		return nil, errors.Wrap(err, "decode sealed blob")
	}
	var b SealedBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrap(err, "unmarshal sealed blob")
	}
	if b.Version != 1 || len(b.WrappedDEK) == 0 || len(b.Sealed) == 0 {
		return nil, errors.New("malformed sealed blob")
	}
	return &b, nil
}
