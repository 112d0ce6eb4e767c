package main

import "github.com/della-wonders/wonder/cmd/wonder/cmd"

func main() {
	cmd.Execute()
}
