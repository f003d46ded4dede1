// SPDX-License-Identifier: MPL-2.0

package main

import (
	cmd "relkit/cmd/relkit"
)

func main() {
	cmd.Execute()
}
