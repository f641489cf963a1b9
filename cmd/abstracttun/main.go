// Command abstracttun runs a single peer tunnel from a TOML configuration.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/muhtutorials/abstracttun/config"
	"github.com/muhtutorials/abstracttun/conn"
	"github.com/muhtutorials/abstracttun/device"
	"github.com/muhtutorials/abstracttun/host"
	"github.com/muhtutorials/abstracttun/metrics"
	"github.com/muhtutorials/abstracttun/tun"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "abstracttun",
		Short:         "Point to point tunnel speaking the WireGuard protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newUpCommand(), newGenkeyCommand(), newPubkeyCommand())
	return cmd
}

func newUpCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create the TUN interface and run the tunnel until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
			}
			return up(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "abstracttun.toml",
		"path to the configuration file (TOML format)")
	return cmd
}

func up(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger, err := host.NewLogger(logOut, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	tdev, err := tun.CreateTUN(cfg.Interface.TunName, cfg.Interface.MTU)
	if err != nil {
		return fmt.Errorf("failed to create TUN device: %w", err)
	}
	bind := conn.NewStdNetBind()
	if cfg.Interface.FwMark != 0 {
		if err := bind.SetMark(cfg.Interface.FwMark); err != nil {
			tdev.Close()
			return fmt.Errorf("failed to set fwmark: %w", err)
		}
	}
	runner, err := host.New(host.Config{
		Params:     cfg.DeviceParams(),
		Bind:       bind,
		ListenPort: cfg.Interface.ListenPort,
		TUN:        tdev,
		Addresses:  cfg.Addresses(),
		Logger:     logger,
	})
	if err != nil {
		tdev.Close()
		return err
	}
	if name, err := tdev.Name(); err == nil {
		logger.WithField("interface", name).Info("Created TUN device")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen, runner.Device(), logger.WithField("component", "metrics"))
		})
	}
	return g.Wait()
}

func newGenkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Print a new base64 private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := device.NewPrivateKey(rand.Reader)
			if err != nil {
				return err
			}
			text, err := sk.MarshalText()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(text))
			return err
		},
	}
}

func newPubkeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Read a base64 private key from stdin and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1024))
			if err != nil {
				return err
			}
			var sk device.NoisePrivateKey
			if err := sk.UnmarshalText([]byte(strings.TrimSpace(string(b)))); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sk.PublicKey().String())
			return err
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
