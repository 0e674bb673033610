// Command bayctl is the admin CLI for a bayd control plane: sandbox and
// cargo lifecycle, capability invocation, and GC inspection, all over the
// same v1 HTTP API external callers use.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/bay/internal/cliclient"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bayctl",
	Short: "bayctl talks to a bayd control plane over its v1 HTTP API",
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "bayd API address")
	rootCmd.PersistentFlags().String("api-key", os.Getenv("BAY_API_KEY"), "API key (defaults to $BAY_API_KEY)")

	rootCmd.AddCommand(sandboxCmd, cargoCmd, gcCmd)
}

func newClient(cmd *cobra.Command) *cliclient.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	return cliclient.New(server, apiKey)
}

func ctxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Sandbox commands

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes",
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, _ := cmd.Flags().GetString("profile")
		cargoID, _ := cmd.Flags().GetString("cargo")
		ttl, _ := cmd.Flags().GetInt("ttl")

		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		sb, err := c.CreateSandbox(ctx, profile, cargoID, ttl)
		if err != nil {
			return fmt.Errorf("failed to create sandbox: %w", err)
		}

		fmt.Printf("Sandbox created: %s\n", sb.ID)
		fmt.Printf("  Profile: %s\n", sb.Profile)
		fmt.Printf("  Status: %s\n", sb.Status)
		fmt.Printf("  Cargo: %s\n", sb.CargoID)
		return nil
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		sandboxes, err := c.ListSandboxes(ctx, status, 100)
		if err != nil {
			return fmt.Errorf("failed to list sandboxes: %w", err)
		}
		if len(sandboxes) == 0 {
			fmt.Println("No sandboxes found")
			return nil
		}

		fmt.Printf("%-36s %-10s %-20s %s\n", "ID", "STATUS", "PROFILE", "CARGO")
		for _, sb := range sandboxes {
			fmt.Printf("%-36s %-10s %-20s %s\n", sb.ID, sb.Status, sb.Profile, sb.CargoID)
		}
		return nil
	},
}

var sandboxGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show sandbox details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		sb, err := c.GetSandbox(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get sandbox: %w", err)
		}

		fmt.Printf("ID: %s\n", sb.ID)
		fmt.Printf("Status: %s\n", sb.Status)
		fmt.Printf("Profile: %s\n", sb.Profile)
		fmt.Printf("Cargo: %s\n", sb.CargoID)
		fmt.Printf("Capabilities: %s\n", strings.Join(sb.Capabilities, ", "))
		fmt.Printf("Created: %s\n", sb.CreatedAt.Format(time.RFC3339))
		if sb.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", sb.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var sandboxDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		if err := c.DeleteSandbox(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete sandbox: %w", err)
		}
		fmt.Printf("Sandbox deleted: %s\n", args[0])
		return nil
	},
}

var sandboxStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a sandbox's running session, keeping its cargo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		if err := c.StopSandbox(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to stop sandbox: %w", err)
		}
		fmt.Printf("Sandbox stopped: %s\n", args[0])
		return nil
	},
}

var sandboxExecCmd = &cobra.Command{
	Use:   "exec ID",
	Short: "Run Python code in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		timeout, _ := cmd.Flags().GetInt("timeout")
		if code == "" {
			return fmt.Errorf("--code is required")
		}

		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		res, err := c.ExecPython(ctx, args[0], code, timeout)
		if err != nil {
			return fmt.Errorf("failed to exec: %w", err)
		}

		fmt.Print(res.Output)
		if !res.Success {
			fmt.Fprintln(os.Stderr, res.Error)
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	sandboxCmd.AddCommand(sandboxCreateCmd, sandboxListCmd, sandboxGetCmd, sandboxDeleteCmd, sandboxStopCmd, sandboxExecCmd)

	sandboxCreateCmd.Flags().String("profile", "", "Profile ID (required)")
	sandboxCreateCmd.Flags().String("cargo", "", "Existing cargo id to attach (optional)")
	sandboxCreateCmd.Flags().Int("ttl", 0, "Sandbox TTL in seconds (0 = no expiry)")
	sandboxCreateCmd.MarkFlagRequired("profile")

	sandboxListCmd.Flags().String("status", "", "Filter by status (idle, starting, ready, failed, expired, deleted)")

	sandboxExecCmd.Flags().String("code", "", "Python code to execute (required)")
	sandboxExecCmd.Flags().Int("timeout", 30, "Execution timeout in seconds")
}

// Cargo commands

var cargoCmd = &cobra.Command{
	Use:   "cargo",
	Short: "Manage cargo volumes",
}

var cargoCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an external (unmanaged) cargo volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeLimitMB, _ := cmd.Flags().GetInt("size-limit-mb")

		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		cg, err := c.CreateCargo(ctx, sizeLimitMB)
		if err != nil {
			return fmt.Errorf("failed to create cargo: %w", err)
		}

		fmt.Printf("Cargo created: %s\n", cg.ID)
		fmt.Printf("  Size limit: %d MB\n", cg.SizeLimitMB)
		return nil
	},
}

var cargoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cargo volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		cargos, err := c.ListCargos(ctx, 100)
		if err != nil {
			return fmt.Errorf("failed to list cargos: %w", err)
		}
		if len(cargos) == 0 {
			fmt.Println("No cargo volumes found")
			return nil
		}

		fmt.Printf("%-36s %-10s %-12s %s\n", "ID", "MANAGED", "SIZE_MB", "LAST_ACCESSED")
		for _, cg := range cargos {
			fmt.Printf("%-36s %-10v %-12d %s\n", cg.ID, cg.Managed, cg.SizeLimitMB, cg.LastAccessedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var cargoDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a cargo volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		if err := c.DeleteCargo(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete cargo: %w", err)
		}
		fmt.Printf("Cargo deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	cargoCmd.AddCommand(cargoCreateCmd, cargoListCmd, cargoDeleteCmd)

	cargoCreateCmd.Flags().Int("size-limit-mb", 1024, "Size limit in MB")
}

// GC commands

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Inspect and trigger garbage collection",
}

var gcStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show GC scheduler status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		status, err := c.GCStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get GC status: %w", err)
		}
		for k, v := range status {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}

var gcRunCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run GC tasks immediately, optionally scoped to specific task names",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := ctxWithTimeout()
		defer cancel()

		results, err := c.GCRun(ctx, args)
		if err != nil {
			return fmt.Errorf("failed to run GC: %w", err)
		}
		for k, v := range results {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}

func init() {
	gcCmd.AddCommand(gcStatusCmd, gcRunCmd)
}
