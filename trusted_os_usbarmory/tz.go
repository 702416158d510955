// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"github.com/usbarmory/tamago/arm/tzc380"
	"github.com/usbarmory/tamago/soc/nxp/csu"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/GoTEE-sandbox/mem"
)

// configureTrustZone restricts the Secure World memory, the TrustZone
// Watchdog and the peripherals exposed to the applet as VIO units, all
// other peripherals are left to the NonSecure World.
func configureTrustZone() (err error) {
	// grant NonSecure access to CP10 and CP11
	imx6ul.ARM.NonSecureAccessControl(1<<11 | 1<<10)

	if !imx6ul.Native {
		return
	}

	for i := csu.CSL_MIN; i <= csu.CSL_MAX; i++ {
		if err = imx6ul.CSU.SetSecurityLevel(i, 0, csu.SEC_LEVEL_0, false); err != nil {
			return
		}

		if err = imx6ul.CSU.SetSecurityLevel(i, 1, csu.SEC_LEVEL_0, false); err != nil {
			return
		}
	}

	// set default TZASC region (entire memory space) to NonSecure access
	if err = imx6ul.TZASC.EnableRegion(0, 0, 0, (1<<tzc380.SP_NW_RD)|(1<<tzc380.SP_NW_WR)); err != nil {
		return
	}

	// restrict Secure World memory, including sandboxes
	if err = imx6ul.TZASC.EnableRegion(1, mem.SecureStart, mem.SecureSize+mem.SecureDMASize+mem.AppletSize, (1<<tzc380.SP_SW_RD)|(1<<tzc380.SP_SW_WR)); err != nil {
		return
	}

	// enable OCRAM TrustZone support
	if err = imx6ul.SetOCRAMProtection(imx6ul.OCRAM_START); err != nil {
		return
	}

	imx6ul.Debug(false)

	for i := csu.SA_MIN; i <= csu.SA_MAX; i++ {
		if err = imx6ul.CSU.SetAccess(i, false, false); err != nil {
			return
		}
	}

	// restrict access to GPIO4 and IOMUXC (LEDs VIO unit)
	if err = imx6ul.CSU.SetSecurityLevel(2, 1, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	if err = imx6ul.CSU.SetSecurityLevel(6, 1, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict access to WDOG2 (TZ WDOG)
	if err = imx6ul.CSU.SetSecurityLevel(5, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict access to USB, used by the supervisor console
	if err = imx6ul.CSU.SetSecurityLevel(8, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	if err = imx6ul.CSU.SetAccess(4, true, false); err != nil {
		return
	}

	// restrict access to ROMCP
	if err = imx6ul.CSU.SetSecurityLevel(13, 0, csu.SEC_LEVEL_4, false); err != nil {
		return
	}

	// restrict access to TZASC
	return imx6ul.CSU.SetSecurityLevel(16, 1, csu.SEC_LEVEL_4, false)
}
