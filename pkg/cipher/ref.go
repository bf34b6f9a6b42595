package cipher

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidRef = errors.New("invalid share reference")

// FormatRef builds a share reference. The id and key live in the URL
// fragment, which browsers never send to the server.
func FormatRef(base, id string, key Key) string {
	return strings.TrimSuffix(base, "/") + "/#" + id + "_" + key.String()
}

// ParseRef accepts a full share URL, a bare "#id_key" fragment or "id_key".
func ParseRef(ref string) (string, Key, error) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		ref = ref[i+1:]
	}
	sep := strings.IndexByte(ref, '_')
	if sep <= 0 || sep == len(ref)-1 {
		return "", Key{}, ErrInvalidRef
	}
	id := ref[:sep]
	key, err := ParseKey(ref[sep+1:])
	if err != nil {
		return "", Key{}, errors.Wrap(ErrInvalidRef, err.Error())
	}
	return id, key, nil
}
