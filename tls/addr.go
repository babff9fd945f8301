package tls

import "unsafe"

// tsBlockAddr returns the address of a TLS block's backing storage.
// get_addr (spec §4.5) is defined in terms of raw thread-pointer-
// relative addresses, not Go slice values, so callers that hand the
// result to relocation or resolver code need the bare pointer.
func tsBlockAddr(block []byte) uintptr {
	if len(block) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&block[0]))
}
