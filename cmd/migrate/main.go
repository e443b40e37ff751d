// Command migrate applies pending schema migrations against the gateway's
// Snapshot Store Adapter database and exits. It is meant to run once before
// the gateway container starts, mirroring the store's embedded migration
// set used by postgres.Open at normal startup.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/northwing-bms/bacnet-gateway/config"
	"github.com/northwing-bms/bacnet-gateway/store/postgres"
)

func main() {
	configPath := flag.String("config", env("GATEWAY_CONFIG", "/etc/bacnet-gateway/config.yaml"), "path to gateway config YAML")
	dsnFlag := flag.String("dsn", "", "store DSN override (defaults to GATEWAY_STORE_DSN, then the config file)")
	flag.Parse()

	dsn := *dsnFlag
	if dsn == "" {
		dsn = os.Getenv("GATEWAY_STORE_DSN")
	}
	if dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("migrate: config: %v", err)
		}
		dsn = cfg.Store.DSN
	}
	if dsn == "" {
		log.Fatal("migrate: no store DSN: set -dsn, GATEWAY_STORE_DSN, or store.dsn in config")
	}

	log.Println("migrate: running migrations…")
	if err := postgres.RunMigrations(dsn); err != nil {
		log.Fatalf("migrate: migrations failed: %v", err)
	}
	log.Println("migrate: migrations OK — exiting")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
