package log

import (
	"os"

	"git.sr.ht/~mariusor/lw"
)

// New returns the logger used by every component of the node. The dev
// variant prints human readable output, prod emits logfmt.
func New(dev bool, lvl lw.Level) lw.Logger {
	if dev {
		return lw.Dev(lw.SetLevel(lvl), lw.SetOutput(os.Stdout))
	}
	return lw.Prod(lw.SetLevel(lvl), lw.SetOutput(os.Stdout))
}
