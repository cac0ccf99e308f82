package main

import (
	"log"
	"os"

	"github.com/dmitrijs2005/pkgkeeper/internal/passwd"
)

func main() {
	if err := passwd.Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		log.Fatalf("%v", err)
	}
}
