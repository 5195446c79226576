package main

import "github.com/brocaar/chirpstack-applayer-device/cmd/chirpstack-applayer-device/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
