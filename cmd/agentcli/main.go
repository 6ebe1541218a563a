// Command agentcli is a thin, line-oriented terminal front end for the
// agent loop: it wires config/credential loading, provider and tool
// construction, and session persistence, then drives Run until stdin
// closes or the user exits.
package main

import "os"

func main() {
	os.Exit(Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Environ()))
}
