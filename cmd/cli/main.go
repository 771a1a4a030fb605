package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"codejudge/internal/cli/command"
	"codejudge/internal/cli/config"
	httpclient "codejudge/internal/cli/http"
	"codejudge/internal/cli/repl"
)

const defaultConfigPath = "configs/cli.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(cfg.BaseURL, cfg.Timeout)
	session := repl.New(client, command.Registry(), repl.Options{
		PrettyJSON:   cfg.PrettyJSON != nil && *cfg.PrettyJSON,
		WaitInterval: cfg.WaitInterval,
		WaitTimeout:  cfg.WaitTimeout,
	}, os.Stdin, os.Stdout)

	// One-shot mode: judge-cli judge submit problem_id=p1 source_file=main.cpp
	if args := flag.Args(); len(args) > 0 {
		if err := session.Exec(ctx, strings.Join(quoteArgs(args), " ")); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	session.Run(ctx)
}

// quoteArgs re-quotes shell-split args so that Exec can split them again.
func quoteArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t\"'\\") {
			arg = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		}
		out = append(out, arg)
	}
	return out
}
