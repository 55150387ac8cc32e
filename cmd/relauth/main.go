package main

import "github.com/giusedb/relauth/internal/cli"

func main() {
	cli.Execute()
}
