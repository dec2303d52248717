package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/fleetrelay/internal/config"
	"github.com/basket/fleetrelay/internal/registry"
	"github.com/basket/fleetrelay/internal/tokens"
)

type tokenArgs struct {
	role    string
	tenant  string
	subject string
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	var ta tokenArgs
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&ta.role, "role", string(registry.RoleClient), "connection role: client or agent")
	fs.StringVar(&ta.tenant, "tenant", "", "tenant id")
	fs.StringVar(&ta.subject, "subject", "", "user or agent id")
	if err := fs.Parse(args); err != nil {
		return ta, err
	}
	if fs.NArg() != 0 {
		return ta, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if ta.role != string(registry.RoleClient) && ta.role != string(registry.RoleAgent) {
		return ta, fmt.Errorf("role must be client or agent, got %q", ta.role)
	}
	if ta.tenant == "" || ta.subject == "" {
		return ta, fmt.Errorf("-tenant and -subject are required")
	}
	return ta, nil
}

// runTokenCommand prints a connection token signed with the configured secret.
func runTokenCommand(args []string, out io.Writer) int {
	ta, err := parseTokenArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\nusage: fleetrelay token -role client|agent -tenant <id> -subject <id>\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if !cfg.NeedsGenesis && len(cfg.Tenants) > 0 && !hasTenant(cfg, ta.tenant) {
		fmt.Fprintf(os.Stderr, "token: tenant %q is not configured\n", ta.tenant)
		return 1
	}
	svc, err := newTokenService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}
	tok, err := svc.IssueConnection(ta.role, ta.tenant, ta.subject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, tok)
	return 0
}

func hasTenant(cfg config.Config, id string) bool {
	for _, t := range cfg.Tenants {
		if t.ID == id {
			return true
		}
	}
	return false
}

func newTokenService(cfg config.Config) (*tokens.Service, error) {
	return tokens.NewService(tokens.Config{
		Secret:        cfg.Auth.TokenSecret,
		Issuer:        cfg.Auth.Issuer,
		CapabilityTTL: cfg.Auth.CapabilityTTL(),
		ConnectionTTL: cfg.Auth.ConnectionTTL(),
	})
}
