package main

import (
	"os"

	"github.com/joeshaw/envdecode"
)

func main() {
	a := &app{out: os.Stdout}
	if err := envdecode.Decode(&a.service); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	if err := newAppCommand(a).Execute(); err != nil {
		os.Exit(1)
	}
}
