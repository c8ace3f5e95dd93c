/*
main.go - Application entry point

PURPOSE:
  Runs the starledger command line. All commands live in package cli.

EXAMPLES:
  starledger serve --config ./starledger.toml
  starledger child add Ada --id ada
  starledger award ada 3 --ref dishes
  starledger redeem ada 2 --ref sticker
  starledger history ada
  starledger reconcile ada

SEE ALSO:
  - cli/serve.go: HTTP server startup and graceful shutdown
  - config/config.go: Configuration sources
*/
package main

import "github.com/warp/star-ledger/cli"

func main() {
	cli.Execute()
}
