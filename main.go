package main

import (
	"github.com/baaaht/mqbus/cmd"
)

func main() {
	cmd.Execute()
}
