package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/halyardhq/halyard/internal/adapter/postgres"
	"github.com/halyardhq/halyard/internal/config"
	"github.com/halyardhq/halyard/internal/domain/identity"
)

// runAdmin dispatches admin subcommands (add-repo, list-repos, add-identity).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "add-repo":
		return runAdminAddRepo(args[1:])
	case "list-repos":
		return runAdminListRepos(args[1:])
	case "add-identity":
		return runAdminAddIdentity(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: halyard admin <command> [options]

Commands:
  add-repo       Register a git repository for an owner
  list-repos     List an owner's registered repositories
  add-identity   Register a git author identity with an SSH key
  help           Show this help message

Examples:
  halyard admin add-repo --owner alice --name api --url git@github.com:acme/api.git
  halyard admin list-repos --owner alice
  halyard admin add-identity --owner alice --name work \
    --git-name "Alice Smith" --git-email alice@acme.dev --key-file ~/.ssh/id_ed25519
`)
}

func loadAdminStore() (*postgres.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}

	return postgres.NewStore(pool), pool.Close, nil
}

func runAdminAddRepo(args []string) error {
	fs := flag.NewFlagSet("add-repo", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner ID (required)")
	id := fs.String("id", "", "repo ID (generated if not provided)")
	name := fs.String("name", "", "repo name (required)")
	url := fs.String("url", "", "clone URL (required)")
	branch := fs.String("branch", "main", "default branch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *owner == "" {
		return fmt.Errorf("--owner is required")
	}

	repoID := *id
	if repoID == "" {
		repoID = uuid.NewString()
	}
	r := &identity.Repo{
		ID:            repoID,
		OwnerID:       *owner,
		Name:          *name,
		URL:           *url,
		DefaultBranch: *branch,
	}
	if err := r.Validate(); err != nil {
		return err
	}

	store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.CreateRepo(context.Background(), r); err != nil {
		return fmt.Errorf("create repo: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Repo registered: %s (id=%s, branch=%s)\n", r.Name, r.ID, r.DefaultBranch)
	return nil
}

func runAdminListRepos(args []string) error {
	fs := flag.NewFlagSet("list-repos", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *owner == "" {
		return fmt.Errorf("--owner is required")
	}

	store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	repos, err := store.ListRepos(context.Background(), *owner)
	if err != nil {
		return fmt.Errorf("list repos: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tURL\tBRANCH")
	for i := range repos {
		r := &repos[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.URL, r.DefaultBranch)
	}
	return w.Flush()
}

func runAdminAddIdentity(args []string) error {
	fs := flag.NewFlagSet("add-identity", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner ID (required)")
	name := fs.String("name", "", "identity name")
	gitName := fs.String("git-name", "", "git author name (required)")
	gitEmail := fs.String("git-email", "", "git author email (required)")
	keyFile := fs.String("key-file", "", "path to a PEM-encoded SSH private key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *owner == "" {
		return fmt.Errorf("--owner is required")
	}
	if *gitName == "" || *gitEmail == "" {
		return fmt.Errorf("--git-name and --git-email are required")
	}

	ident := &identity.Identity{
		ID:             uuid.NewString(),
		OwnerID:        *owner,
		Name:           *name,
		GitAuthorName:  *gitName,
		GitAuthorEmail: *gitEmail,
	}

	if *keyFile != "" {
		key, err := os.ReadFile(*keyFile) //nolint:gosec // G304: operator-supplied path
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		ident.PrivateKey = string(key)

		// Encrypted keys fail plain validation; verify with the passphrase
		// instead so a bad key is caught at registration, not at push time.
		if err := ident.Validate(); err != nil {
			passphrase, perr := promptPassword("Key passphrase: ")
			if perr != nil {
				return fmt.Errorf("read passphrase: %w", perr)
			}
			if _, perr := ident.ParseKey([]byte(passphrase)); perr != nil {
				return fmt.Errorf("validate key: %w", perr)
			}
		}
	}

	store, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.CreateIdentity(context.Background(), ident); err != nil {
		return fmt.Errorf("create identity: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Identity registered: %s (id=%s)\n", ident.GitAuthorEmail, ident.ID)
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // Stdin is int on linux, uintptr elsewhere
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}
