package main

import "github.com/nextlevelbuilder/nodegate/cmd"

func main() {
	cmd.Execute()
}
