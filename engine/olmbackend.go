package engine

import "maunium.net/go/mautrix/crypto/goolm"

// The crypto/olm interface package needs a backend registered before use;
// mautrix only does this from its crypto package (libolm via cgo, or goolm
// behind the goolm build tag), which this module does not import.
func init() {
	goolm.Register()
}
