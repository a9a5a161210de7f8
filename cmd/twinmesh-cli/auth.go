package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with the twinmesh gateway",
		Long: `Authenticate with the twinmesh gateway using your client ID.
This will generate a JWT token that can be used for subsequent requests.`,
		RunE: runAuth,
	}

	return cmd
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := client.Authenticate(ctx); err != nil {
		return err
	}

	token := client.GetToken()
	if ok, err := render(cmd.OutOrStdout(), map[string]string{"clientId": clientID, "token": token}); ok {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Authenticated with %s as %s\n", serverURL, clientID)
	fmt.Fprintf(out, "Token: %s\n", token)
	fmt.Fprintf(out, "\nSave the token for later commands:\n")
	fmt.Fprintf(out, "  export TWINMESH_TOKEN=\"%s\"\n", token)
	fmt.Fprintf(out, "  twinmesh-cli search --text sensor\n")

	return nil
}
