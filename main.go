package main

import "github.com/duraflow/agentrun/cmd"

func main() {
	cmd.Execute()
}
