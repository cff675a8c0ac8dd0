package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/filebridge/internal/creds"
	"github.com/TheMichaelB/filebridge/internal/models"
)

var credsCmd = &cobra.Command{
	Use:   "creds",
	Short: "Manage stored credentials",
	Long: `Credentials are kept apart from resource definitions. A resource names
its credential with credential_id.`,
}

var credsSetCmd = &cobra.Command{
	Use:   "set <credential-id>",
	Short: "Create or replace a credential",
	Example: `  filebridge creds set nas --username alice --domain WORKGROUP
  filebridge creds set box --username deploy --key-file ~/.ssh/id_ed25519
  filebridge creds set dropbox`,
	Args: cobra.ExactArgs(1),
	RunE: runCredsSet,
}

var credsRmCmd = &cobra.Command{
	Use:   "rm <credential-id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredsRm,
}

var credsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential IDs",
	Args:  cobra.NoArgs,
	RunE:  runCredsList,
}

var (
	credsUsername string
	credsDomain   string
	credsKeyFile  string
	credsNoSecret bool
)

func init() {
	rootCmd.AddCommand(credsCmd)
	credsCmd.AddCommand(credsSetCmd, credsRmCmd, credsListCmd)

	credsSetCmd.Flags().StringVarP(&credsUsername, "username", "u", "",
		"User name (for S3, the access key ID; for Dropbox, the app key)")
	credsSetCmd.Flags().StringVar(&credsDomain, "domain", "",
		"SMB domain")
	credsSetCmd.Flags().StringVar(&credsKeyFile, "key-file", "",
		"SSH private key for SFTP")
	credsSetCmd.Flags().BoolVar(&credsNoSecret, "no-secret", false,
		"Do not prompt for a password")
}

func runCredsSet(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}

	cred := &models.Credential{ID: args[0], Username: credsUsername, Domain: credsDomain}

	if credsKeyFile != "" {
		key, err := os.ReadFile(credsKeyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		cred.PrivateKey = string(key)
	}

	if !credsNoSecret {
		prompt := fmt.Sprintf("Secret for %s: ", cred.ID)
		if credsKeyFile != "" {
			prompt = "Key passphrase (empty for none): "
		}
		cred.Secret, err = promptPassword(prompt)
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
	}

	// Keep a stored OAuth token unless the app credentials change.
	if old, err := a.creds.Get(cmd.Context(), cred.ID); err == nil && old.HasToken() && old.Username == cred.Username {
		cred.Token = old.Token
	}

	if err := a.creds.Save(cmd.Context(), cred); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "id": cred.ID})
	} else {
		printSuccess("Saved credential %s", cred.ID)
	}
	return nil
}

func runCredsRm(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.creds.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	if !jsonOutput {
		printSuccess("Deleted credential %s", args[0])
	}
	return nil
}

func runCredsList(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	ids, err := credentialIDs(cmd.Context(), a.creds)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(ids)
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func credentialIDs(ctx context.Context, s creds.Store) ([]string, error) {
	switch store := s.(type) {
	case *creds.FileStore:
		return store.IDs()
	case *creds.DynamoStore:
		return store.IDs(ctx)
	default:
		return nil, fmt.Errorf("credential store cannot list IDs")
	}
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}
