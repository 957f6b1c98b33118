package main

import "github.com/mnemosyne-audit/mnemosyne/cmd/mnemosyne/cmd"

func main() {
	cmd.Execute()
}
