package main

import (
	"sale-discount-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
