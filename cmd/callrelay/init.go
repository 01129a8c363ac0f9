package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"

	"github.com/germanamz/callrelay/pkg/config"
)

func runInit(args []string) error {
	fs := newFlagSet("init", "Ask for PBX, backend and server settings and write a config file.")
	out := fs.StringP("output", "o", "callrelay.yaml", "config file to write")
	force := fs.Bool("force", false, "overwrite an existing config file")
	defaults := fs.Bool("defaults", false, "write the default config without prompting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if !*defaults {
		answers := newWizardAnswers(cfg)
		if err := runWizard(&answers); err != nil {
			return err
		}
		cfg = answers.apply(cfg)
	}

	if err := writeConfig(*out, cfg, *force); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", *out)
	fmt.Printf("Run 'callrelay serve --config %s' to start the relay.\n", *out)

	return nil
}

// wizardAnswers holds the form values as the strings huh edits.
type wizardAnswers struct {
	PBXHost     string
	ARIPort     string
	Username    string
	Password    string //nolint:gosec // env var reference, not a secret
	AppName     string
	BackendURL  string
	BackendWS   string
	Token       string //nolint:gosec // env var reference, not a secret
	ServerPort  string
	CORSOrigins string
	Greeting    string
	Record      bool
	LogLevel    string
}

func newWizardAnswers(cfg config.Config) wizardAnswers {
	return wizardAnswers{
		PBXHost:     cfg.Asterisk.Host,
		ARIPort:     strconv.Itoa(cfg.Asterisk.ARIPort),
		Username:    "${ASTERISK_ARI_USERNAME}",
		Password:    "${ASTERISK_ARI_PASSWORD}",
		AppName:     cfg.Asterisk.AppName,
		BackendURL:  cfg.Backend.URL,
		BackendWS:   cfg.Backend.WSURL,
		Token:       "${BACKEND_AUTH_TOKEN}",
		ServerPort:  strconv.Itoa(cfg.Server.Port),
		CORSOrigins: strings.Join(cfg.Server.CORSOrigins, ","),
		Greeting:    cfg.Call.GreetingMedia,
		Record:      cfg.Call.Record,
		LogLevel:    cfg.Logging.Level,
	}
}

func runWizard(a *wizardAnswers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("PBX host").Value(&a.PBXHost).Validate(validateRequired),
			huh.NewInput().Title("ARI port").Value(&a.ARIPort).Validate(validatePort),
			huh.NewInput().Title("ARI username (or ${ENV_VAR})").Value(&a.Username),
			huh.NewInput().Title("ARI password (or ${ENV_VAR})").Value(&a.Password),
			huh.NewInput().Title("Stasis application name").Value(&a.AppName).Validate(validateRequired),
		).Title("PBX"),
		huh.NewGroup(
			huh.NewInput().Title("Backend HTTP URL").Value(&a.BackendURL).Validate(validateRequired),
			huh.NewInput().Title("Backend WebSocket URL").Value(&a.BackendWS),
			huh.NewInput().Title("Backend token (or ${ENV_VAR})").Value(&a.Token),
		).Title("Processing backend"),
		huh.NewGroup(
			huh.NewInput().Title("Listen port").Value(&a.ServerPort).Validate(validatePort),
			huh.NewInput().Title("Allowed origins (comma separated)").Value(&a.CORSOrigins),
			huh.NewInput().Title("Greeting media (optional, e.g. sound:hello-world)").Value(&a.Greeting),
			huh.NewConfirm().Title("Record every answered call?").Value(&a.Record),
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&a.LogLevel),
		).Title("Relay"),
	).Run()
}

// apply copies the answers onto cfg. Ports are validated by the form, so a
// parse failure keeps the existing value.
func (a wizardAnswers) apply(cfg config.Config) config.Config {
	cfg.Asterisk.Host = strings.TrimSpace(a.PBXHost)
	if n, err := strconv.Atoi(strings.TrimSpace(a.ARIPort)); err == nil {
		cfg.Asterisk.ARIPort = n
	}
	cfg.Asterisk.Username = a.Username
	cfg.Asterisk.Password = a.Password
	cfg.Asterisk.AppName = strings.TrimSpace(a.AppName)

	cfg.Backend.URL = strings.TrimSpace(a.BackendURL)
	cfg.Backend.WSURL = strings.TrimSpace(a.BackendWS)
	cfg.Backend.Token = a.Token

	if n, err := strconv.Atoi(strings.TrimSpace(a.ServerPort)); err == nil {
		cfg.Server.Port = n
	}
	cfg.Server.CORSOrigins = nil
	for _, o := range strings.Split(a.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, o)
		}
	}

	cfg.Call.GreetingMedia = strings.TrimSpace(a.Greeting)
	cfg.Call.Record = a.Record
	cfg.Logging.Level = a.LogLevel

	return cfg
}

// writeConfig validates cfg and writes it as YAML. Env references such as
// ${BACKEND_AUTH_TOKEN} are written verbatim and expanded at load time.
func writeConfig(path string, cfg config.Config, force bool) error {
	if err := expandedForValidation(cfg).Validate(); err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := fmt.Sprintf("# callrelay configuration, generated %s\n", time.Now().Format(time.DateOnly))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}

// expandedForValidation resolves env references the way Load will.
func expandedForValidation(cfg config.Config) config.Config {
	cfg.Asterisk.Host = os.ExpandEnv(cfg.Asterisk.Host)
	cfg.Asterisk.AppName = os.ExpandEnv(cfg.Asterisk.AppName)
	cfg.Backend.URL = os.ExpandEnv(cfg.Backend.URL)
	return cfg
}

func validateRequired(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > 65535 {
		return errors.New("must be a port between 1 and 65535")
	}
	return nil
}
