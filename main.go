package main

import "github.com/andresmejia3/posewire/cmd"

func main() {
	cmd.Execute()
}
