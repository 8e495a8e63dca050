package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/config"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/credentials"
	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/storage"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage encrypted provider admin keys",
}

var credentialsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Encrypt and store an organization admin key",
	Long: `Encrypt an organization admin key and store it. The key is read from the
environment variable named by --secret-env, or from the first line of stdin.`,
	RunE: runCredentialsRegister,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials (secrets are never shown)",
	RunE:  runCredentialsList,
}

var credentialsDisableCmd = &cobra.Command{
	Use:   "disable <credential-id>",
	Short: "Disable a credential; it is kept for audit",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsDisable,
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsRegisterCmd, credentialsListCmd, credentialsDisableCmd)

	credentialsRegisterCmd.Flags().String("tenant", "", "Tenant ID")
	credentialsRegisterCmd.Flags().StringP("provider", "p", "", "Provider (openai, anthropic)")
	credentialsRegisterCmd.Flags().String("org", "", "Provider organization ID")
	credentialsRegisterCmd.Flags().String("label", "", "Label for humans")
	credentialsRegisterCmd.Flags().String("secret-env", "", "Read the admin key from this environment variable")
	for _, f := range []string{"tenant", "provider", "org"} {
		_ = credentialsRegisterCmd.MarkFlagRequired(f)
	}

	credentialsListCmd.Flags().String("tenant", "", "Filter by tenant ID")
	credentialsListCmd.Flags().StringP("provider", "p", "", "Filter by provider")
	credentialsListCmd.Flags().Bool("active", false, "Only active credentials")
}

func runCredentialsRegister(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	provider, _ := cmd.Flags().GetString("provider")
	org, _ := cmd.Flags().GetString("org")
	label, _ := cmd.Flags().GetString("label")
	secretEnv, _ := cmd.Flags().GetString("secret-env")

	secret, err := readSecret(secretEnv)
	if err != nil {
		return err
	}

	return withStore(cmd, func(s storeCtx) error {
		if _, err := s.store.GetTenant(s.ctx, tenant); err != nil {
			return err
		}
		access, err := initCredentials(s.cfg, s.store, newLogger(s.cfg))
		if err != nil {
			return err
		}
		cred, err := access.Register(s.ctx, tenant, provider, org, label, secret)
		if err != nil {
			return err
		}
		fmt.Printf("Credential registered: %s (%s %s)\n", cred.ID, cred.Provider, cred.OrganizationID)
		return nil
	})
}

func runCredentialsList(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	provider, _ := cmd.Flags().GetString("provider")
	activeOnly, _ := cmd.Flags().GetBool("active")

	return withStore(cmd, func(s storeCtx) error {
		creds, err := s.store.ListCredentials(s.ctx, tenant, provider, activeOnly)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tTENANT\tPROVIDER\tORGANIZATION\tLABEL\tACTIVE\tCREATED\n")
		for _, c := range creds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				c.ID, c.TenantID, c.Provider, c.OrganizationID, orDash(c.Label), c.IsActive, c.CreatedAt.Format(time.DateOnly))
		}
		return w.Flush()
	})
}

func runCredentialsDisable(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(s storeCtx) error {
		// Disabling needs no key material.
		access := credentials.NewAccess(s.store, nil, newLogger(s.cfg))
		if err := access.Disable(s.ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Credential %s disabled\n", args[0])
		return nil
	})
}

func readSecret(envName string) (string, error) {
	if envName != "" {
		v := strings.TrimSpace(os.Getenv(envName))
		if v == "" {
			return "", fmt.Errorf("environment variable %s is empty", envName)
		}
		return v, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no admin key on stdin; pipe it in or use --secret-env")
	}
	return strings.TrimSpace(line), nil
}

// storeCtx is what store-backed commands receive.
type storeCtx struct {
	ctx   context.Context
	cfg   *config.Config
	store *storage.Store
}

// withStore loads config, opens the store, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(storeCtx) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(storeCtx{ctx: cmd.Context(), cfg: cfg, store: store})
}
