// Command dirsync runs one peer of a two-peer directory synchronizer.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"dirsync/internal/engine"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	rootCmd := &cobra.Command{
		Use:   "dirsync",
		Short: "Peer-to-peer directory synchronizer over UDP",
	}

	var (
		listenAddr string
		peerAddr   string
		dir        string
		key        string
		dataSize   int
		packetSize int
		rescan     time.Duration
		tick       time.Duration
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch a directory and sync it with a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			e, err := engine.New(engine.Config{
				ListenAddr:     listenAddr,
				PeerAddr:       peerAddr,
				Dir:            dir,
				Key:            []byte(key),
				DataSize:       dataSize,
				MaxPacketSize:  packetSize,
				SecondsOfSleep: rescan,
				MillisOfSleep:  tick,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			logger.Info("dirsync starting", "listen", listenAddr, "peer", peerAddr, "dir", dir)
			return e.Run(ctx)
		},
	}

	runCmd.Flags().StringVar(&listenAddr, "listen", ":9001", "local UDP listen address (host:port)")
	runCmd.Flags().StringVar(&peerAddr, "peer", "", "peer address:port to sync with")
	runCmd.Flags().StringVar(&dir, "dir", ".", "directory to watch and sync")
	runCmd.Flags().StringVar(&key, "key", "", "shared HMAC-SHA1 secret (required)")
	runCmd.Flags().IntVar(&dataSize, "data-size", engine.DefaultDataSize, "max payload bytes per DATA_TRANSFER chunk")
	runCmd.Flags().IntVar(&packetSize, "packet-size", engine.DefaultMaxPacketSize, "total datagram size in bytes")
	runCmd.Flags().DurationVar(&rescan, "rescan-interval", engine.DefaultSecondsOfSleep, "local directory rescan interval")
	runCmd.Flags().DurationVar(&tick, "tick-interval", engine.DefaultMillisOfSleep, "sender tick interval")
	_ = runCmd.MarkFlagRequired("peer")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
