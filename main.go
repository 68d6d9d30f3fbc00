package main

import "github.com/ntic-sm/istabot/cmd"

func main() {
	cmd.Execute()
}
