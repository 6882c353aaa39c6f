package cmd

import (
	"fmt"
)

const banner = `
   ____          _   _____ _
  / ___|___ _ __| |_|  ___| | _____      __
 | |   / _ \ '__| __| |_  | |/ _ \ \ /\ / /
 | |__|  __/ |  | |_|  _| | | (_) \ V  V /
  \____\___|_|   \__|_|   |_|\___/ \_/\_/

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Lifecycle Manager - Version %s\x1b[0m\n\n", Version)
}
