package main

import "tapcoin-ledger/internal/cli"

func main() {
	cli.Execute()
}
