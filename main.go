package main

import "github.com/gobbyhq/gobby/cmd"

func main() {
	cmd.Execute()
}
