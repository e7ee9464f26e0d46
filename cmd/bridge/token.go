package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"call-bridge/internal/auth"
	"call-bridge/internal/config"
	"call-bridge/internal/rbac"
)

// runToken mints an operator token for the status API:
//
//	bridge token -sub alice -role operator -ttl 12h
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	sub := fs.String("sub", "", "operator name recorded in the audit log")
	role := fs.String("role", rbac.RoleViewer, "viewer, operator or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("-sub is required")
	}
	if !rbac.Known(*role) {
		return fmt.Errorf("unknown role %q", *role)
	}
	if *ttl <= 0 {
		return fmt.Errorf("-ttl must be positive")
	}

	cfg, err := config.LoadStatus()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	tok, err := m.Issue(time.Now(), *sub, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}
