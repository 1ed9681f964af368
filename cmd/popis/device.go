package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/erazemk/popis/internal/client"
	"github.com/erazemk/popis/internal/model"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Device-side sync commands",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		flags := cmd.Flags()
		if v, _ := flags.GetString("server"); v != "" {
			cfg.Client.ServerURL = v
		}
		if v, _ := flags.GetString("device"); v != "" {
			cfg.Client.DeviceID = v
		}
		if v, _ := flags.GetString("token"); v != "" {
			cfg.Client.Token = v
		}
		if v, _ := flags.GetString("local-db"); v != "" {
			cfg.Client.LocalDB = v
		}
		return nil
	},
}

var deviceSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending mutations, then pull server changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := cfg.Client
		if cc.DeviceID == "" || cc.Token == "" {
			return fmt.Errorf("device id and token are required")
		}

		local, err := client.OpenLocal(cc.LocalDB)
		if err != nil {
			return err
		}
		defer local.Close()

		log := client.NewLog(local)
		syncer := client.NewSyncer(log,
			client.NewHTTPTransport(cc.ServerURL, cc.Token, cc.RequestTimeout),
			client.Options{
				DeviceID:           cc.DeviceID,
				MaxBatch:           cc.MaxBatch,
				MaxAttachmentBatch: cc.MaxAttachmentBatch,
				MaxAttempts:        cc.MaxAttempts,
				BaseDelay:          cc.BaseDelay,
			})

		res, err := syncer.Sync(cmd.Context())
		fmt.Printf("Pushed %d batch(es): %d accepted, %d rejected, %d conflicts. Pulled %d change(s).\n",
			res.Batches, res.Accepted, res.Rejected, res.Conflicts, res.Pulled)
		if err != nil {
			return err
		}
		return printSurfaced(cmd, log)
	},
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending and refused mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := client.OpenLocal(cfg.Client.LocalDB)
		if err != nil {
			return err
		}
		defer local.Close()

		log := client.NewLog(local)
		n, err := log.Pending(cmd.Context())
		if err != nil {
			return err
		}
		cursors, err := client.Cursors(cmd.Context(), local)
		if err != nil {
			return err
		}
		fmt.Printf("%d mutation(s) pending.\n", n)
		for _, et := range model.EntityTypes {
			fmt.Printf("  cursor %-14s %d\n", et, cursors[et])
		}
		return printSurfaced(cmd, log)
	},
}

var deviceDismissCmd = &cobra.Command{
	Use:   "dismiss <idempotency-key>",
	Short: "Drop a rejected or conflicting mutation after reviewing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := client.OpenLocal(cfg.Client.LocalDB)
		if err != nil {
			return err
		}
		defer local.Close()
		return client.NewLog(local).Dismiss(cmd.Context(), args[0])
	},
}

func printSurfaced(cmd *cobra.Command, log *client.Log) error {
	entries, err := log.Surfaced(cmd.Context())
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-9s %s %s %d: %s %s\n", e.Mutation.IdempotencyKey, e.State,
			e.Mutation.Operation, e.Mutation.EntityType, e.Mutation.EntityID, e.ErrorCode, e.Message)
	}
	return nil
}

func init() {
	pf := deviceCmd.PersistentFlags()
	pf.String("server", "", "server URL (overrides client.server_url)")
	pf.String("device", "", "device id (overrides client.device_id)")
	pf.String("token", "", "device token (overrides client.token)")
	pf.String("local-db", "", "local database path (overrides client.local_db)")

	deviceCmd.AddCommand(deviceSyncCmd, deviceStatusCmd, deviceDismissCmd)
	rootCmd.AddCommand(deviceCmd)
}
