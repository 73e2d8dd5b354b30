package main

import "github.com/fdm2-org/fdm/pkg/cmd"

func main() {
	cmd.Execute()
}
