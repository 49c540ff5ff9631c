package main

import "github.com/pantheon-systems/gitleaks-bulk/cmd"

func main() {
	cmd.Execute()
}
