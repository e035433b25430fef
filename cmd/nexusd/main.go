// Command nexusd supervises the configured organs and routes packets
// between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/najoast/nexus/bootstrap"
	"github.com/najoast/nexus/config"
	"github.com/najoast/nexus/logging"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "configuration file (yaml or json); searched for when empty")
	watch := flag.Bool("watch", false, "reload the log level when the configuration file changes")
	check := flag.Bool("check", false, "validate the configuration and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("nexusd", version)
		return
	}

	if err := run(*configFile, *watch, *check); err != nil {
		log.Fatalf("nexusd: %v", err)
	}
}

func run(configFile string, watch, check bool) error {
	loader := config.NewLoader()

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = loader.Load(configFile)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return err
	}
	if check {
		fmt.Fprintf(os.Stdout, "configuration ok: %d organs\n", len(cfg.Organs))
		return nil
	}
	if cfg.App.Version == "" || version != "dev" {
		cfg.App.Version = version
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	var opts []bootstrap.Option
	if watch {
		if configFile == "" {
			return fmt.Errorf("-watch needs -config")
		}
		opts = append(opts, bootstrap.WithConfigWatch(configFile, loader))
	}

	app, err := bootstrap.Build(cfg, logger, opts...)
	if err != nil {
		return err
	}
	return app.Run(context.Background())
}
