package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the settings a first deployment needs, starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== shiftdesk configuration ===")
	fmt.Fprintln(w.out)

	provider, err := w.ask(fmt.Sprintf("Model provider (anthropic/openai/gemini) [%s]: ", cfg.Model.Provider))
	if err != nil {
		return nil, err
	}
	if provider != "" {
		if err := validator.ValidateProvider(provider); err != nil {
			return nil, err
		}
		cfg.Model.Provider = provider
	}

	model, err := w.ask(fmt.Sprintf("Model name [%s]: ", cfg.Model.Model))
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Model.Model = model
	}

	for {
		key, err := w.ask("API key: ")
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAPIKey(key, cfg.Model.Provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Model.APIKey = key
		break
	}

	fmt.Fprintln(w.out)
	if w.confirm("Enable the LINE channel? (y/n) [y]: ", true) {
		cfg.Line.Enabled = true
		if cfg.Line.ChannelSecret, err = w.required("LINE channel secret: "); err != nil {
			return nil, err
		}
		if cfg.Line.ChannelAccessToken, err = w.required("LINE channel access token: "); err != nil {
			return nil, err
		}
		for {
			group, err := w.ask("Staff group id for call-outs (Enter to skip): ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateLineGroupID(group); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Line.CalloutGroupID = group
			break
		}
	}

	fmt.Fprintln(w.out)
	if w.confirm("Enable the Telegram channel? (y/n) [n]: ", false) {
		cfg.Telegram.Enabled = true
		for {
			token, err := w.required("Telegram bot token: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Telegram.BotToken = token
			break
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return &cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) required(prompt string) (string, error) {
	for {
		value, err := w.ask(prompt)
		if err != nil {
			return "", err
		}
		if value != "" {
			return value, nil
		}
		fmt.Fprintln(w.out, "Error: a value is required")
	}
}

func (w *Wizard) confirm(prompt string, def bool) bool {
	answer, err := w.ask(prompt)
	if err != nil || answer == "" {
		return def
	}
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}
