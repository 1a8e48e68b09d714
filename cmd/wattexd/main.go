package main

import "github.com/wattex/wattexd/internal/cli"

func main() {
	cli.Execute()
}
