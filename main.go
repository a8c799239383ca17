package main

import (
	"log"

	"github.com/hyperdbg-go/hvdbg/cli"
)

func main() {
	if err := cli.Parse(); err != nil {
		log.Fatal(err)
	}
}
