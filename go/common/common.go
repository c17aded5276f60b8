// Package common holds the initialization every binary runs at startup:
// flag parsing, flag logging, and optional services like the Prometheus
// metrics endpoint.
package common

import (
	"flag"

	"go.engram.dev/engram/go/sklog"
)

// Init parses flags and logs their values. Import only from package main.
func Init() {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		sklog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})
}
