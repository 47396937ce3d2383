// Command fsmctl is the operator CLI for fsmdb: put machine
// definitions, inspect instances, apply events, watch a running
// instance, and trigger maintenance operations. Grounded on the
// teacher's cmd/admin-cli cobra structure, wired to a real backend
// through internal/session/rclient instead of printing static text.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fsmdb/internal/exportpq"
	"fsmdb/internal/session/rclient"
	"fsmdb/internal/wal"
)

var (
	addr  string
	token string
)

var rootCmd = &cobra.Command{
	Use:   "fsmctl",
	Short: "fsmdb operator CLI",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7401", "fsmdbd RCPX address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token, if auth is required")

	rootCmd.AddCommand(putMachineCmd)
	rootCmd.AddCommand(getInstanceCmd)
	rootCmd.AddCommand(createInstanceCmd)
	rootCmd.AddCommand(applyEventCmd)
	rootCmd.AddCommand(walStatsCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(exportEventsCmd)

	compactCmd.Flags().BoolVar(&compactForceSnapshot, "force-snapshot", false, "re-snapshot every live instance regardless of dirtiness")

	exportEventsCmd.Flags().StringVar(&exportDataDir, "data-dir", "", "server's data_dir (read directly; run against a stopped server or a copy)")
	exportEventsCmd.Flags().StringVar(&exportOutput, "output", "events.parquet", "output parquet file path")
	exportEventsCmd.MarkFlagRequired("data-dir")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func dial() (*rclient.Client, error) {
	return rclient.Dial(rclient.Config{Addr: addr, Token: token})
}

func printResult(result json.RawMessage) {
	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

var putMachineCmd = &cobra.Command{
	Use:   "put-machine <name> <version> <definition-file>",
	Short: "Register a machine definition",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		var version int
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.PutMachine(args[0], version, json.RawMessage(def))
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var getInstanceCmd = &cobra.Command{
	Use:   "get-instance <id>",
	Short: "Fetch an instance's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.GetInstance(args[0])
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var (
	createInstanceID      string
	createInstanceVersion int
)

var createInstanceCmd = &cobra.Command{
	Use:   "create-instance <machine>",
	Short: "Create a new instance of a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.CreateInstance(createInstanceID, args[0], createInstanceVersion, nil)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var (
	applyEventID             string
	applyEventName           string
	applyEventIdempotencyKey string
)

var applyEventCmd = &cobra.Command{
	Use:   "apply-event",
	Short: "Apply an event to an instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.ApplyEvent(applyEventID, applyEventName, nil, applyEventIdempotencyKey)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var walStatsCmd = &cobra.Command{
	Use:   "wal-stats",
	Short: "Show write-ahead log statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.WALStats()
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var compactForceSnapshot bool

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Trigger a manual compaction run",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.Compact(compactForceSnapshot)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <instance-id>",
	Short: "Stream an instance's events until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		subID, events, err := c.WatchInstance(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("watching %s (subscription %s)\n", args[0], subID)
		for evt := range events {
			printResult(evt)
		}
		return nil
	},
}

var (
	exportDataDir string
	exportOutput  string
)

// exportEventsCmd reads the WAL directly rather than going through
// RCPX: it operates on the on-disk data_dir, so it is meant to run
// against a stopped server or a filesystem-level copy of one.
var exportEventsCmd = &cobra.Command{
	Use:   "export-events",
	Short: "Export the WAL's applied-event history to a Parquet file",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := wal.NewManager(wal.Config{
			DataDir: exportDataDir, SegmentSizeMB: 64, Sync: wal.SyncNever{},
		}, func(*wal.Entry) error { return nil })
		if err != nil {
			return fmt.Errorf("open wal at %s: %w", exportDataDir, err)
		}
		defer m.Close()

		rows, err := exportpq.WriteHistory(m, exportOutput, exportpq.Config{})
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d rows to %s\n", rows, exportOutput)
		return nil
	},
}

func init() {
	applyEventCmd.Flags().StringVar(&applyEventID, "instance", "", "instance id")
	applyEventCmd.Flags().StringVar(&applyEventName, "event", "", "event name")
	applyEventCmd.Flags().StringVar(&applyEventIdempotencyKey, "idempotency-key", "", "idempotency key")
	applyEventCmd.MarkFlagRequired("instance")
	applyEventCmd.MarkFlagRequired("event")

	createInstanceCmd.Flags().StringVar(&createInstanceID, "id", "", "instance id (generated if omitted)")
	createInstanceCmd.Flags().IntVar(&createInstanceVersion, "version", 1, "machine version")
}
