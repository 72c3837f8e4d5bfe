package main

import (
	"log"

	"github.com/arkadas/chaton2api/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
