package virtqueue

import (
	"fmt"
	"log"
)

// PanicOnInvariant controls how invariant violations (chain-length
// mismatch on free, invalid descriptor index from internal state,
// reentrant access, free-list corruption) are reported. These are bugs
// in the caller or in this package, never normal backpressure — spec §7
// calls them "unrecoverable: trapped via the assertion mechanism. In
// release builds these degrade to fatal errors with a log line." Set to
// false to get the release-build behavior instead of a panic.
var PanicOnInvariant = true

func invariant(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}

	msg := "virtqueue: invariant violated: " + fmt.Sprintf(format, args...)

	if PanicOnInvariant {
		panic(msg)
	}

	log.Fatal(msg)
}
