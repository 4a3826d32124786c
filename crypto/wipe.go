package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites key material in place. The compare keeps the compiler
// from eliding the stores.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	zeros := make([]byte, len(data))
	copy(data, zeros)
	subtle.ConstantTimeCompare(data, zeros)
	runtime.KeepAlive(data)
}
