// coap-node runs a CoAP endpoint from the command line.
//
// Usage:
//
//	coap-node serve [--listen :5683] [--advertise] [--metrics :9100]
//	coap-node get coap-host:5683 /path [--non] [--payload text]
//	coap-node ping coap-host:5683
//
// Reliability parameters come from an optional YAML file (--config); flags
// override values from the file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
