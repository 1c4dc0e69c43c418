package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard reading answers from in
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== otaku Configuration Wizard ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	w.println("LLM provider (anthropic, openai, groq, openrouter, ollama):")
	var provider string
	for {
		w.print("Provider [openai]: ")
		p, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if p == "" {
			p = "openai"
		}
		if !isValidProvider(p) {
			w.printf("Error: unknown provider %s\n", p)
			continue
		}
		provider = p
		break
	}

	var apiKey string
	if provider != "ollama" {
		for {
			w.printf("%s API Key: ", provider)
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			apiKey = key
			break
		}
	}

	w.printf("Model name [%s]: ", cfg.LLM.Model)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.LLM.Model = model
	}

	cfg.LLM.Profiles = []LLMProfile{{
		ID:       provider,
		Provider: provider,
		APIKey:   apiKey,
		Priority: 1,
	}}

	w.println()

	// Gateway
	w.println("Gateway:")
	w.print("Shared secret for HTTP clients (press Enter to skip): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Gateway.SharedSecret = secret

	w.print("Refresh the MyAnimeList token on a schedule? (y/n) [n]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Refresh.Enabled = strings.ToLower(enable) == "y"

	w.println()

	// Log Level
	w.println("Logging:")
	w.print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.println("Configuration complete! Put your MyAnimeList tokens in the credentials file.")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) print(s string) {
	fmt.Fprint(w.out, s)
}

func (w *Wizard) printf(format string, args ...interface{}) {
	fmt.Fprintf(w.out, format, args...)
}

func (w *Wizard) println(args ...interface{}) {
	fmt.Fprintln(w.out, args...)
}
