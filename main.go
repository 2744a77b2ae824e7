package main

import "github.com/jmehdipour/outbox-relay/cmd"

func main() {
	cmd.Execute()
}
