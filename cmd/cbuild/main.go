package main

import "github.com/juliushaag/cbuild/pkg/cli"

func main() {
	cli.Execute()
}
