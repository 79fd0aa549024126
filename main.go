package main

import "orderq/cmd"

func main() {
	cmd.Run()
}
