package main

import "github.com/histo-tools/omerotk/cmd/omerotk/cmd"

func main() {
	cmd.Execute()
}
