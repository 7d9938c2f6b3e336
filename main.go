package main

import "github.com/FluidXR/droidprov/cmd"

func main() {
	cmd.Execute()
}
