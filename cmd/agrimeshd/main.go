// Command agrimeshd runs one agent of the agrimesh fleet: the coordination
// daemon that claims field segments, exchanges claim envelopes with peers
// over the websocket mesh, and exposes ownership to local equipment
// control.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

const version = "0.3.0"

func main() {
	flags := flag.NewFlagSet("agrimeshd", flag.ContinueOnError)
	configPath := flags.String("config", "", "YAML configuration file")
	agentID := flags.String("agent", "", "agent ID (overrides config; generated if unset)")
	listen := flags.String("listen", "", "websocket listen address (overrides config)")
	journalPath := flags.String("journal", "", "SQLite journal path (overrides config)")
	logLevel := flags.String("log-level", "", "debug, info, warn, or error (overrides config)")
	peers := flags.StringSlice("peer", nil, "peer websocket URL (repeatable; overrides config)")
	claims := flags.StringSlice("claim", nil, "segment to claim at startup (repeatable)")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		fatal("%v", err)
	}
	if *showVersion {
		fmt.Println("agrimeshd", version)
		return
	}

	d, err := newDaemon(daemonOptions{
		configPath:  *configPath,
		agentID:     *agentID,
		listen:      *listen,
		journalPath: *journalPath,
		logLevel:    *logLevel,
		peers:       *peers,
		claims:      *claims,
	})
	if err != nil {
		fatal("%v", err)
	}
	if err := d.run(); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "agrimeshd: "+format+"\n", args...)
	os.Exit(1)
}
