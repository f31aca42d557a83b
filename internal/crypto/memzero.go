package crypto

import "runtime"

// Wipe zeroes b in place. Shared secrets and ephemeral private scalars go
// through here as soon as the derived key exists. Best-effort: the noinline
// hint and KeepAlive discourage the compiler from eliding the writes.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
