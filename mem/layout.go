// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

const (
	// Secure World OS
	SecureStart = 0x98000000
	SecureSize  = 0x03f00000 // 63MB

	// Secure World DMA (relocated to avoid conflicts with NonSecure world)
	SecureDMAStart = 0x9bf00000
	SecureDMASize  = 0x00100000 // 1MB

	// Secure World sandboxes
	AppletStart = 0x9c000000
	AppletSize  = 0x02000000 // 32MB

	// NonSecure World OS
	NonSecureStart = 0x80000000
	NonSecureSize  = 0x10000000 // 256MB
)

// NonSecureTable returns the region table describing the memory the
// NonSecure World may legitimately pass to the Secure World.
func NonSecureTable(base uint32, size uint32) (t Table) {
	t[0] = Region{
		Base: base,
		End:  base + size,
		Attr: Data | Write,
		Used: true,
	}

	return
}
