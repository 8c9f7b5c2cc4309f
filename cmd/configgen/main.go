package main

import (
	"flag"
	"log"

	"github.com/danmuck/roundctl/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "ledger":
		return "cmd/ledgerd/config.toml"
	case "agent":
		return "cmd/agentd/config.toml"
	case "transcoder":
		return "cmd/transcoderd/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "ledger", "config kind: ledger|agent|transcoder")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case "ledger":
			if _, err := config.LoadLedgerConfig(path); err != nil {
				log.Fatal(err)
			}
		case "transcoder":
			if _, err := config.LoadTranscoderConfig(path); err != nil {
				log.Fatal(err)
			}
		case "agent":
			log.Fatalf("agent configs are validated by agentd at startup")
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
