package main

import "github.com/tansive/tabletenant/internal/cli"

func main() {
	cli.Execute()
}
