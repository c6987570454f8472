package main

import (
	"os"

	"github.com/bobuhiro11/xenmon/flag"
)

func main() {
	os.Exit(flag.Run(os.Args[1:]))
}
