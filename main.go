package main

import "github.com/nextlevelbuilder/flowgate/cmd"

func main() {
	cmd.Execute()
}
