package main

import "github.com/devforgehq/forged/cmd"

func main() {
	cmd.Execute()
}
