package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/reconcile"
)

// operator is the principal administrative commands act as.
var operator = reconcile.Principal{DeviceID: "cli", Role: model.RoleAdmin}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a device token (provisioning and testing)",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device")
		auditorID, _ := cmd.Flags().GetInt64("auditor")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if deviceID == "" {
			return fmt.Errorf("--device is required")
		}
		if !model.ValidRole(role) {
			return fmt.Errorf("unknown role %q", role)
		}

		database, err := openDatabase(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		secret, err := jwtSecret(cmd.Context(), database)
		if err != nil {
			return err
		}
		token, err := auth.GenerateToken(secret, deviceID, auditorID, role, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Manage the locations auditors may work in",
}

var scopeAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Replace an auditor's assigned locations",
	Example: `  popis scope assign --auditor 7 --location 3 --location 12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		auditorID, _ := cmd.Flags().GetInt64("auditor")
		locations, _ := cmd.Flags().GetInt64Slice("location")
		if auditorID <= 0 {
			return fmt.Errorf("--auditor is required")
		}

		database, err := openDatabase(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		engine, closeScopes := newEngine(database, cfg)
		defer closeScopes()
		if err := engine.AssignScope(cmd.Context(), operator, auditorID, locations); err != nil {
			return err
		}
		fmt.Printf("Auditor %d assigned %d location(s).\n", auditorID, len(locations))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check stored location paths against the parent links",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		engine, closeScopes := newEngine(database, cfg)
		defer closeScopes()
		mismatches, err := engine.VerifyLocations(cmd.Context())
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Println("All location paths are consistent.")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(mismatches); err != nil {
			return err
		}
		return fmt.Errorf("%d location(s) out of sync", len(mismatches))
	},
}

func init() {
	tokenCmd.Flags().String("device", "", "device id the token is bound to")
	tokenCmd.Flags().Int64("auditor", 0, "auditor operating the device")
	tokenCmd.Flags().String("role", model.RoleAuditor, "auditor, reviewer or admin")
	tokenCmd.Flags().Duration("ttl", auth.TokenExpiry, "token lifetime")

	scopeAssignCmd.Flags().Int64("auditor", 0, "auditor id")
	scopeAssignCmd.Flags().Int64Slice("location", nil, "location id (repeatable)")
	scopeCmd.AddCommand(scopeAssignCmd)

	rootCmd.AddCommand(tokenCmd, scopeCmd, verifyCmd)
}
