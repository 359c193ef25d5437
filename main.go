package main

import "github.com/mike1808/discord-wiki-bot/cmd"

func main() {
	cmd.Execute()
}
