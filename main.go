package main

import "github.com/clawdis/clawdis/cmd"

func main() {
	cmd.Execute()
}
