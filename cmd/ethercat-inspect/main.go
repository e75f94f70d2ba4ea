// Command ethercat-inspect loads a Network Description from a YAML file
// and prints the computed mapping table. The core library never touches a
// filesystem path itself; this tool demonstrates the external schema.
package main

import (
	"fmt"
	"os"

	"github.com/samsamfire/goethercat/pkg/mapping"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"gopkg.in/yaml.v3"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: ethercat-inspect <network-description.yaml>")
		os.Exit(2)
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}

	var nd netdesc.NetworkDescription
	if err := yaml.Unmarshal(raw, &nd); err != nil {
		fmt.Fprintln(os.Stderr, "parse:", err)
		os.Exit(1)
	}

	if err := nd.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "validate:", err)
		os.Exit(1)
	}

	table, err := mapping.Build(&nd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build mapping:", err)
		os.Exit(1)
	}

	fmt.Printf("PDI size: %d bytes (outputs %d, inputs %d)\n", table.PDISize(), table.OutputSize, table.InputSize)

	fmt.Println("\nOutputs:")
	printMappings(table.Outputs())

	fmt.Println("\nInputs:")
	printMappings(table.Inputs())
}

func printMappings(ms []*mapping.Mapping) {
	for _, m := range ms {
		if m.BitOffset != nil {
			fmt.Printf("  %-24s %-8s slave=%-3d offset=%d bit=%d\n", m.Name, m.DataType, m.OwningSlaveIndex, m.PDIByteOffset, *m.BitOffset)
		} else {
			fmt.Printf("  %-24s %-8s slave=%-3d offset=%d\n", m.Name, m.DataType, m.OwningSlaveIndex, m.PDIByteOffset)
		}
	}
}
