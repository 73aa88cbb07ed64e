// Command keyadmin inspects and edits the key table without going through
// the HTTP server. It opens the same storage backend the server uses.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
