package main

import (
	// Tenant alert windows need IANA zones on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/cli"
)

func main() {
	cli.Execute()
}
