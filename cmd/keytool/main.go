package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gemchat-go/internal/config"
	"gemchat-go/internal/keypool"
	"gemchat-go/internal/statestore"
	"gemchat-go/internal/upstream/gemini"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	mode := flag.String("mode", "", "operation mode: probe | metrics | remove")
	configPath := flag.String("config", "", "path to configuration file")
	model := flag.String("model", "", "probe model override")
	attempts := flag.Int("attempts", 0, "probe attempts per key (1-3, 0 = config default)")
	filter := flag.String("filter", string(keypool.RemovePermanentOnly), "removal filter: permanent_only | temporary_only | all_invalid")
	timeout := flag.Duration("timeout", 60*time.Second, "operation timeout")
	flag.Parse()

	if *mode == "" {
		fail(errors.New("missing -mode (probe|metrics|remove)"))
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(fmt.Errorf("load configuration: %w", err))
	}
	log.SetLevel(log.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	d := keypool.New(cfg, gemini.New(cfg), nil)
	if err := d.Configure(cfg.APIKeys); err != nil {
		fail(fmt.Errorf("configure key pool: %w", err))
	}

	store, err := statestore.Open(ctx, cfg)
	if err != nil {
		fail(fmt.Errorf("open state backend: %w", err))
	}
	if store != nil {
		defer store.Close()
		// Health read off the persisted state, same as the server sees it.
		if snaps, err := store.LoadKeyState(ctx); err == nil {
			d.RestoreState(snaps)
		}
	}

	switch strings.ToLower(*mode) {
	case "probe":
		run := runProbe(ctx, d, *model, *attempts)
		saveProbe(ctx, store, run)
		printJSON(run)
		for _, r := range run.Results {
			if r.Status != keypool.ProbeValid {
				os.Exit(1)
			}
		}
	case "metrics":
		printJSON(d.Metrics())
	case "remove":
		f, err := keypool.ParseRemoveFilter(*filter)
		if err != nil {
			fail(err)
		}
		run := runProbe(ctx, d, *model, *attempts)
		saveProbe(ctx, store, run)
		report, err := d.RemoveInvalid(f, run)
		if err != nil {
			fail(fmt.Errorf("remove invalid keys: %w", err))
		}
		printJSON(report)
		if store != nil {
			if err := store.SaveKeyState(ctx, d.ExportState()); err != nil {
				fail(fmt.Errorf("persist key state: %w", err))
			}
		}
		fmt.Fprintln(os.Stderr, "note: removal acts on persisted health state; update api_keys in the config to make it permanent")
	default:
		fail(fmt.Errorf("unknown mode %q (expected probe|metrics|remove)", *mode))
	}
}

func runProbe(ctx context.Context, d *keypool.Dispatcher, model string, attempts int) *keypool.ProbeRun {
	run, err := d.TestKeys(ctx, keypool.ProbeOptions{Model: model, Attempts: attempts})
	if err != nil {
		fail(fmt.Errorf("probe keys: %w", err))
	}
	return run
}

// saveProbe records the run so the server reports it as the last probe
// after its next restart. Best effort.
func saveProbe(ctx context.Context, store statestore.Store, run *keypool.ProbeRun) {
	if store == nil {
		return
	}
	if err := store.SaveProbeRun(ctx, run); err != nil {
		fmt.Fprintf(os.Stderr, "keytool: persist probe run: %v\n", err)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(fmt.Errorf("write json: %w", err))
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "keytool: %v\n", err)
	os.Exit(1)
}
