package main

import "github.com/codeck-dev/codeck/cmd"

func main() {
	cmd.Execute()
}
