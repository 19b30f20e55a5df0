package main

import "github.com/shieldchat/presence/cmd"

func main() {
	cmd.Execute()
}
