// The main package for the collector executable.
package main

import (
	"github.com/JakeFAU/source-collector/cmd"
)

func main() {
	cmd.Execute()
}
