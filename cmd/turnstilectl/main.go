// Command turnstilectl is the operator CLI for turnstile.
//
// Usage:
//
//	turnstilectl generate-secret
//	turnstilectl hash-key --key "$ADMIN_BYPASS_KEY"
//	turnstilectl csrf issue --secret "$CSRF_SECRET"
//	turnstilectl csrf verify --secret "$CSRF_SECRET" <token>
//	turnstilectl policies --file policies.yaml
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"

	"turnstile/internal/csrf"
	rlconfig "turnstile/internal/ratelimit/config"
	"turnstile/pkg/secrets"
)

// CLI defines the command-line interface.
type CLI struct {
	GenerateSecret GenerateSecretCmd `cmd:"" help:"Generate a random secret for CSRF_SECRET or ADMIN_TOKEN."`
	HashKey        HashKeyCmd        `cmd:"" help:"Hash an operator bypass key for ADMIN_BYPASS_KEY_HASH."`
	CSRF           CSRFCmd           `cmd:"" name:"csrf" help:"Issue or verify CSRF tokens."`
	Policies       PoliciesCmd       `cmd:"" help:"Validate a policy file and print the resolved policies."`

	out io.Writer `kong:"-"`
}

// GenerateSecretCmd prints a new random secret.
type GenerateSecretCmd struct {
	Bytes int `help:"Number of random bytes." default:"32"`
}

func (c *GenerateSecretCmd) Run(cli *CLI) error {
	secret, err := secrets.Generate(c.Bytes)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, secret)
	return nil
}

// HashKeyCmd prints the bcrypt hash of an operator key.
type HashKeyCmd struct {
	Key string `help:"Plain operator key." env:"TURNSTILE_OPERATOR_KEY" required:""`
}

func (c *HashKeyCmd) Run(cli *CLI) error {
	hashed, err := secrets.Hash(c.Key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, hashed)
	return nil
}

// CSRFCmd groups the token subcommands.
type CSRFCmd struct {
	Secret string        `help:"Signing secret (at least 32 bytes)." env:"CSRF_SECRET" required:""`
	TTL    time.Duration `name:"ttl" help:"Token lifetime." default:"24h"`

	Issue  CSRFIssueCmd  `cmd:"" help:"Issue a token signed with the secret."`
	Verify CSRFVerifyCmd `cmd:"" help:"Verify a token against the secret."`
}

func (c *CSRFCmd) service() (*csrf.Service, error) {
	return csrf.New(c.Secret, csrf.WithTTL(c.TTL))
}

// CSRFIssueCmd prints a fresh token.
type CSRFIssueCmd struct{}

func (c *CSRFIssueCmd) Run(cli *CLI) error {
	svc, err := cli.CSRF.service()
	if err != nil {
		return err
	}
	token, err := svc.Issue(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, token)
	return nil
}

// CSRFVerifyCmd checks a token and reports whether it is valid.
type CSRFVerifyCmd struct {
	Token string `arg:"" help:"Token to verify."`
}

func (c *CSRFVerifyCmd) Run(cli *CLI) error {
	svc, err := cli.CSRF.service()
	if err != nil {
		return err
	}
	if err := svc.Verify(context.Background(), c.Token); err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}
	fmt.Fprintln(cli.out, "valid")
	return nil
}

// PoliciesCmd loads a policy file the way the server does and prints the result.
type PoliciesCmd struct {
	File string `short:"f" help:"Policy YAML file (built-in defaults when empty)." type:"path"`
}

func (c *PoliciesCmd) Run(cli *CLI) error {
	cfg, err := rlconfig.Load(c.File)
	if err != nil {
		return err
	}
	set, err := cfg.PolicySet()
	if err != nil {
		return err
	}

	policies := make([]string, 0, len(set))
	for scope, p := range set {
		policies = append(policies, fmt.Sprintf("%-24s window=%-8s max=%-6d burst=%d",
			scope, p.Window, p.MaxRequests, p.Burst))
	}
	sort.Strings(policies)
	for _, line := range policies {
		fmt.Fprintln(cli.out, line)
	}
	fmt.Fprintf(cli.out, "graphql max_complexity=%d expensive_fields=%v\n",
		cfg.GraphQL.MaxComplexity, cfg.GraphQL.ExpensiveFields)
	return nil
}

func main() {
	cli := CLI{out: os.Stdout}
	ctx := kong.Parse(&cli,
		kong.Name("turnstilectl"),
		kong.Description("Operator tooling for the turnstile rate limiter"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
