package main

import "escrowflow/internal/cli"

func main() {
	cli.Execute()
}
