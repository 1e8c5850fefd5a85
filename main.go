package main

import "github.com/kjulin/opennova/cmd"

func main() {
	cmd.Execute()
}
