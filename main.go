package main

import (
	"github.com/jigsawhub/puzzle-hub/cmd"
)

func main() {
	cmd.Execute()
}
