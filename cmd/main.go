package main

import "forest-watch/cmd/commands"

func main() {
	commands.Execute()
}
