// The main package for the crawler executable.
package main

import (
	"github.com/minorsearch/crawler/cmd"
)

func main() {
	cmd.Execute()
}
