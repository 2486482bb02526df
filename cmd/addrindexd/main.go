package main

import (
	"os"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ledgerwatch/addrindex/cmd/addrindexd/cli"
)

func main() {
	if err := cli.RootCommand().Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
