package main

import (
	"os"

	"github.com/gmadsen/syncd/cmd"
)

func main() {
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "start")
	}
	cmd.Execute()
}
