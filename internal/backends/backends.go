// Package backends exists only to be blank-imported from main. Importing
// it registers every canbus driver with internal/canbus as a side
// effect, the same way callers of image.Decode blank-import the codecs
// they need: cmd/cannuccia-flasher and cmd/cannuccia-flasher-cabi both
// import this package so that "socketcan", "slcan", and "wsbridge" are
// all resolvable by name regardless of which one a user actually picks.
package backends

import (
	_ "github.com/bigbag/cannuccia-flasher/internal/canbus/slcan"
	_ "github.com/bigbag/cannuccia-flasher/internal/canbus/socketcan"
	_ "github.com/bigbag/cannuccia-flasher/internal/canbus/wsbridge"
)
