package main

import "github.com/bryanchriswhite/LoopCam/cmd/loopcam/commands"

func main() {
	commands.Execute()
}
