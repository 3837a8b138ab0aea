// Command cvmctl is a thin driver over the kernel: point it at a database
// and an intent, and it dispatches once and prints the normalized result.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/liminalcommons/chora-cvm-kernel/kernel/config"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/engine"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/primitives"
	"github.com/liminalcommons/chora-cvm-kernel/kernel/store"
)

func main() {
	configPath := flag.String("config", "", "path to a kernel config YAML file")
	intent := flag.String("intent", "", "entity id or short name to dispatch")
	inputsJSON := flag.String("inputs", "{}", "JSON object of inputs")
	personaID := flag.String("persona", "", "persona id to attach to the run")
	stateID := flag.String("state", "", "state id to name the run (auto-generated if empty)")
	listCaps := flag.Bool("list", false, "list dispatchable capabilities and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	st, err := store.NewSQLiteStoreWithDSN(cfg.DBPath)
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	eng, err := engine.New(st, primitives.Resolver, cfg.DBPath)
	if err != nil {
		fatal("build engine", err)
	}

	if *listCaps {
		caps, err := eng.ListCapabilities()
		if err != nil {
			fatal("list capabilities", err)
		}
		out, _ := json.MarshalIndent(caps, "", "  ")
		fmt.Println(string(out))
		return
	}

	if *intent == "" {
		fmt.Fprintln(os.Stderr, "cvmctl: -intent is required unless -list is given")
		flag.Usage()
		os.Exit(2)
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		fatal("parse -inputs", err)
	}

	sink := func(content string) { fmt.Println(content) }
	result := eng.Dispatch(*intent, inputs, sink, *personaID, *stateID)

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.OK {
		os.Exit(1)
	}
}

func fatal(action string, err error) {
	log.Fatal().Err(err).Msg("cvmctl: " + action)
}
