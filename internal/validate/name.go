// Package validate holds the handful of input-shape checks every
// pool- and filesystem-naming operation applies before touching any
// state, kept in one place so create, rename, and snapshot enforce
// identical rules.
package validate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
)

// MaxNameBytes bounds a pool or filesystem name's UTF-8 encoded length.
const MaxNameBytes = 255

var errEmptyName = errors.New("name must not be empty")

// Name rejects names that are empty, longer than MaxNameBytes bytes,
// not valid UTF-8, or that embed a NUL byte, a '/', or any other
// control character.
func Name(name string) error {
	if name == "" {
		return perrors.New(perrors.Invalid, errEmptyName)
	}
	if len(name) > MaxNameBytes {
		return perrors.Newf(perrors.Invalid, "name %q is %d bytes, exceeding the %d byte limit", name, len(name), MaxNameBytes)
	}
	if !utf8.ValidString(name) {
		return perrors.Newf(perrors.Invalid, "name %q is not valid UTF-8", name)
	}
	if strings.ContainsRune(name, '/') {
		return perrors.Newf(perrors.Invalid, "name %q may not contain '/'", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return perrors.Newf(perrors.Invalid, "name %q contains a control character", name)
		}
	}
	return nil
}
