package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"gemchat-go/internal/config"
	"gemchat-go/internal/keypool"
	"gemchat-go/internal/upstream/gemini"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

type turn struct {
	role string
	text string
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or JSON)")
	model := flag.String("model", "", "Model to chat with (default from config)")
	system := flag.String("system", "", "Optional system instruction")
	stream := flag.Bool("stream", true, "Stream replies chunk by chunk")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(fmt.Errorf("load configuration: %w", err))
	}
	// Interactive tool: keep dispatcher logging out of the conversation.
	log.SetLevel(log.WarnLevel)

	if len(cfg.APIKeys) == 0 {
		fail(errors.New("no api keys configured; set GEMCHAT_API_KEYS or api_keys in the config file"))
	}

	d := keypool.New(cfg, gemini.New(cfg), nil)
	if err := d.Configure(cfg.APIKeys); err != nil {
		fail(fmt.Errorf("configure key pool: %w", err))
	}

	chatModel := *model
	if chatModel == "" {
		chatModel = cfg.DefaultModel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("gemchat (%s, %d keys) - empty line or Ctrl-C to quit\n", chatModel, len(cfg.APIKeys))

	var history []turn
	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		history = append(history, turn{role: "user", text: line})
		payload, err := buildPayload(history, *system)
		if err != nil {
			fail(fmt.Errorf("build request: %w", err))
		}

		reply, err := runTurn(ctx, d, keypool.Request{Model: chatModel, Payload: payload}, *stream)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\n(cancelled)")
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, turn{role: "model", text: reply})
	}
}

// runTurn sends one request and returns the full reply text. In stream
// mode chunks print as they arrive; Ctrl-C cancels the stream upstream
// instead of abandoning it.
func runTurn(ctx context.Context, d *keypool.Dispatcher, req keypool.Request, streaming bool) (string, error) {
	if !streaming {
		body, err := d.Send(ctx, req)
		if err != nil {
			return "", err
		}
		text := gemini.ExtractText(body)
		fmt.Println(text)
		return text, nil
	}

	s, err := d.SendStream(ctx, req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for {
		chunk, err := s.Recv(ctx)
		switch {
		case err == nil:
			b.WriteString(chunk.Text)
			fmt.Print(chunk.Text)
		case errors.Is(err, io.EOF):
			fmt.Println()
			return b.String(), nil
		default:
			if ctx.Err() != nil {
				s.Cancel()
			}
			return "", err
		}
	}
}

func buildPayload(history []turn, system string) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	for i, t := range history {
		if payload, err = sjson.SetBytes(payload, fmt.Sprintf("contents.%d.role", i), t.role); err != nil {
			return nil, err
		}
		if payload, err = sjson.SetBytes(payload, fmt.Sprintf("contents.%d.parts.0.text", i), t.text); err != nil {
			return nil, err
		}
	}
	if system != "" {
		if payload, err = sjson.SetBytes(payload, "systemInstruction.parts.0.text", system); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "chat: %v\n", err)
	os.Exit(1)
}
