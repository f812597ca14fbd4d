package main

import "agentq/cmd"

func main() {
	cmd.Run()
}
