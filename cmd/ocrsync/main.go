// ocrsync is the command line front end of the transfer engine.
package main

import "github.com/ocrsync/ocrsync/cmd"

func main() {
	cmd.Main()
}
