package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/Dicklesworthstone/ecoscan/cmd/ecoscan/cmd"
)

func main() {
	cmd.Execute()
}
