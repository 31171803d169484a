// Package main is the browsercore command.
package main

import "github.com/liuxd6825/browsercore/cmd"

func main() {
	cmd.Execute()
}
