package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/adaokul/phoneauth/internal/models"
	"github.com/adaokul/phoneauth/internal/providers/iletimerkezi"
	"github.com/adaokul/phoneauth/internal/providers/logsms"
	"github.com/adaokul/phoneauth/internal/providers/pinpoint"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		log.Printf("reading config: %s", c)
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("PHONEAUTH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PHONEAUTH_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(verbose bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if verbose {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

// initProvider initialises the configured SMS delivery channel.
func initProvider(id string) (models.Provider, error) {
	switch id {
	case "iletimerkezi":
		var cfg iletimerkezi.Config
		ko.UnmarshalWithConf("provider.iletimerkezi", &cfg, koanf.UnmarshalConf{Tag: "json"})
		return iletimerkezi.New(cfg)
	case "pinpoint":
		var cfg pinpoint.Config
		ko.UnmarshalWithConf("provider.pinpoint", &cfg, koanf.UnmarshalConf{Tag: "json"})
		return pinpoint.New(cfg)
	case "logsms", "":
		return logsms.New(lo), nil
	}

	return nil, fmt.Errorf("unknown provider: %s", id)
}
