// Command adaadcore is the composition root for the governance-and-replay
// core: it wires the lineage ledger, epoch replay engine, capability
// registry, evidence bundle builder, and replay attestation builder
// together behind a small subcommand dispatcher, mirroring cmd/helm's
// Run(args, stdout, stderr) int style.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for both main and tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "epoch":
		return runEpochCmd(args[2:], stdout, stderr)
	case "capability":
		return runCapabilityCmd(args[2:], stdout, stderr)
	case "evidence":
		return runEvidenceCmd(args[2:], stdout, stderr)
	case "attest":
		return runAttestCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "adaadcore: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: adaadcore <command> [flags]")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  epoch replay --epoch <id>")
	_, _ = fmt.Fprintln(w, "  capability register --name <n> --version <v> --score <f> --owner <id> [--requires a,b,c]")
	_, _ = fmt.Fprintln(w, "  capability list")
	_, _ = fmt.Fprintln(w, "  evidence build --start <epoch> --end <epoch> --out <path>")
	_, _ = fmt.Fprintln(w, "  attest build --epoch <id>")
	_, _ = fmt.Fprintln(w, "  attest verify --file <path>")
}
