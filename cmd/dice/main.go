package main

import "github.com/sheerbytes/diceduel/internal/cli"

const version = "v0.1.0"

func main() {
	cli.Execute(version)
}
