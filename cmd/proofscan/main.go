package main

import "github.com/proofscan/proofscan/cmd/proofscan/cmd"

func main() {
	cmd.Execute()
}
