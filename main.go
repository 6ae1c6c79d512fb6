/*
Command-line gateway serving resized WebP renditions of a photo library
over HTTP and WebDAV.

Usage:

	$ photodav [<flags>] <subcommand> [<args> ...]

Use 'photodav help' to see more details.
*/
package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/photodav/photodav/cli"
)

func main() {
	kingpin.MustParse(cli.App().Parse(os.Args[1:]))
}
