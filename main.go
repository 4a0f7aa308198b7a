package main

import "github.com/fakeyudi/proctor/cmd"

func main() {
	cmd.Execute()
}
