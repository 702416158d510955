// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package mem

import (
	"github.com/usbarmory/tamago/dma"
)

var AppletRegion *dma.Region
var NonSecureRegion *dma.Region

// Init reserves the sandbox and NonSecure World memory and returns a view
// over each of them.
func Init() (applet *Space, nonSecure *Space) {
	AppletRegion = &dma.Region{
		Start: AppletStart,
		Size:  AppletSize,
	}

	AppletRegion.Init()
	_, appletBuf := AppletRegion.Reserve(AppletSize, 0)

	NonSecureRegion = &dma.Region{
		Start: NonSecureStart,
		Size:  NonSecureSize,
	}

	NonSecureRegion.Init()
	_, nonSecureBuf := NonSecureRegion.Reserve(NonSecureSize, 0)

	applet = &Space{Base: AppletStart, Buf: appletBuf}
	nonSecure = &Space{Base: NonSecureStart, Buf: nonSecureBuf}

	return
}
