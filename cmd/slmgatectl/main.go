// Command slmgatectl is the CLI client for the slmgate daemon REST API.
package main

import "github.com/fieldacoustics/slmgate/cmd/slmgatectl/commands"

func main() {
	commands.Execute()
}
