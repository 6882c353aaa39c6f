package main

import "github.com/mfairley/certflow/cmd/certflow/cmd"

func main() {
	cmd.Execute()
}
