package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nuetzliches/eventpipe/internal/config"
)

const defaultConfigPath = "./eventpipe.yaml"

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: validate | diff")
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], os.Stdout, os.Stderr)
	case "diff":
		return runConfigDiff(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	strictSecrets := fs.Bool("strict-secrets", false, "load and verify configured secret refs during validation")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file before validating")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	if err := config.LoadDotenv(*dotenvPath); err != nil {
		return writeValidation(stdout, stderr, *format, config.ValidationResult{Errors: []string{err.Error()}})
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return writeValidation(stdout, stderr, *format, config.ValidationResult{Errors: []string{err.Error()}})
	}
	res := cfg.Validate(config.ValidationOptions{SecretPreflight: *strictSecrets})
	return writeValidation(stdout, stderr, *format, res)
}

// writeValidation prints res to stdout when OK and to stderr otherwise, and
// returns the matching exit code.
func writeValidation(stdout, stderr io.Writer, format string, res config.ValidationResult) int {
	w, code := stdout, 0
	if !res.OK {
		w, code = stderr, 1
	}
	if format == "text" {
		fmt.Fprintln(w, formatValidationText(res))
		return code
	}
	out, err := json.Marshal(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(w, string(out))
	return code
}

func formatValidationText(res config.ValidationResult) string {
	var b strings.Builder
	if res.OK {
		b.WriteString("config ok")
	} else {
		b.WriteString("config invalid")
	}
	for _, e := range res.Errors {
		b.WriteString("\nerror: ")
		b.WriteString(e)
	}
	for _, w := range res.Warnings {
		b.WriteString("\nwarning: ")
		b.WriteString(w)
	}
	return b.String()
}

// runConfigDiff exits 0 when both files resolve to the same configuration,
// 1 when they differ and 2 on usage or load errors.
func runConfigDiff(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: eventpipe config diff <old> <new>")
		return 2
	}

	prev, err := readConfigFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	next, err := readConfigFile(fs.Arg(1))
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	changes := config.Diff(prev, next)
	if len(changes) == 0 {
		return 0
	}
	for _, ch := range changes {
		mode := "reload"
		if !ch.Reloadable {
			mode = "restart"
		}
		fmt.Fprintf(stdout, "%s (%s)\n", ch, mode)
	}
	return 1
}

func readConfigFile(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
