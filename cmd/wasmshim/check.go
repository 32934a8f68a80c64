package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var checkCmd = &cobra.Command{
	Use:   "check <artifact>",
	Short: "Validate a module and optionally boot it",
	Long: `Check that an artifact is a WebAssembly module the shim can run: it must
export the start function and a memory, and import nothing beyond WASI.

With --boot the module is also started and waited on until it signals ready,
using the same retry policy as serve.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().Bool("boot", false, "Start the module and wait until it is ready")
	addModuleFlags(checkCmd.Flags())
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args, moduleKeys)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	boot, _ := cmd.Flags().GetBool("boot")

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	mod, err := openModule(cfg, log)
	if err != nil {
		return err
	}
	defer mod.Close(context.Background())

	out := cmd.OutOrStdout()
	start := time.Now()
	if err := mod.loader.Validate(cmd.Context()); err != nil {
		return fmt.Errorf("%s: %w", mod.loader.Name(), err)
	}
	fmt.Fprintf(out, "%s: valid (%s)\n", mod.loader.Name(), time.Since(start).Round(time.Millisecond))

	if !boot {
		return nil
	}

	start = time.Now()
	inst, err := mod.lifecycle.EnsureReady(cmd.Context())
	if err != nil {
		return err
	}
	log.Debug("booted", zap.String("instance", inst.Name()))
	fmt.Fprintf(out, "%s: ready after %d attempt(s) (%s)\n",
		inst.Name(), mod.lifecycle.Attempts(), time.Since(start).Round(time.Millisecond))
	return nil
}
