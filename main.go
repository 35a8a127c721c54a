package main

import "github.com/tokenworks/token-processor/cmd"

func main() {
	cmd.Execute()
}
