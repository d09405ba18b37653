package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.yaml.in/yaml/v3"

	"github.com/ncecere/usage_tracker/internal/config"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var out map[string]any
	if err := mapstructure.Decode(cfg.Redacted(), &out); err != nil {
		log.Fatalf("flatten config: %v", err)
	}
	normalize(out)

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode config: %v", err)
	}
	_ = enc.Close()
}

// normalize prints durations the way they are written in config files.
func normalize(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case time.Duration:
			m[k] = val.String()
		case map[string]any:
			normalize(val)
		}
	}
}
