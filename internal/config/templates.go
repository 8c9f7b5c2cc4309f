package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "ledger":
		return ledgerTemplate, nil
	case "agent":
		return agentTemplate, nil
	case "transcoder":
		return transcoderTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const ledgerTemplate = `name = "ledgerd"
addr = ":9400"
cors_origins = ["http://localhost:3000"]
epoch_duration = "10m"
event_retention = 1048576
epoch_retention = 64
tasks_per_epoch = 65536
max_query_count = 1000
`

const agentTemplate = `owner = "alice"
admin_addr = "127.0.0.1:9500"
# bearer token required by the mutating admin routes; empty leaves them open
admin_token = ""
ledger_url = "http://127.0.0.1:9400"
workers = 4
queue_size = 32

[store]
driver = "sqlite3"
dsn = "local/agent.db"

[sync]
interval = "5s"
batch_size = 10
take_policy = "ignore"

[ipfs]
api_url = "http://127.0.0.1:5001"

[transcoder]
addr = "127.0.0.1:50051"
gateway = ""

[transcoder.tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""

[properties]
gpu_mem = 16
`

const transcoderTemplate = `name = "transcoderd"
addr = ":50051"
steps = 10
interval = "500ms"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
`
