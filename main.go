// The main package for the bilibili-notifier executable.
package main

import (
	"os"

	"github.com/JakeFAU/bilibili-notifier/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
