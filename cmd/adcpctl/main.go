package main

import (
	"log"

	"github.com/austindbirch/adcp_webhooks/cmd/adcpctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
