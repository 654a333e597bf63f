package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/logging"
	"github.com/EliRibble/stalwart-mail-server/internal/metadata"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/server"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
	"github.com/EliRibble/stalwart-mail-server/internal/stores"
)

var (
	version = "v0.1.0"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stalwart-store",
		Short: "Storage core of the Stalwart mail server",
		Long: `stalwart-store opens the configured data, blob, full-text and lookup
stores and serves the admin API used to query them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "./data", "Data directory path")
	rootCmd.PersistentFlags().StringP("listen", "l", ":8090", "Admin listen address")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("log-format", "", "json", "Log format (json, text)")

	rootCmd.AddCommand(newPurgeCmd(), newLookupCmd(), newBlobCmd(), newMigrateCmd(),
		newCompactCmd(), newBackupCmd(), newSchemaCmd())
	return rootCmd
}

// openStores loads the configuration and opens every store it declares.
func openStores(cmd *cobra.Command) (*config.Config, *stores.Stores, metrics.Manager, *logrus.Logger, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.StandardLogger()
	if err := logging.Configure(logger, cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, nil, nil, nil, err
	}

	m := metrics.NewManager(cfg.Metrics, cfg.DataDir)
	st, err := stores.Build(cmd.Context(), cfg, logger, m)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open stores: %w", err)
	}
	return cfg, st, m, logger, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, st, m, logger, err := openStores(cmd)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting stalwart-store")

	srv, err := server.New(cfg, st, m, logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("stalwart-store stopped")
	return nil
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one blob purge pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, m, logger, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			data, err := st.Store("")
			if err != nil {
				return err
			}
			blobs, err := st.BlobStore("")
			if err != nil {
				return err
			}

			result, err := stores.NewPurgeWorker(data, blobs, m, logger).
				WithLookupStores(st.LookupStores).
				RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d reservations, %d blobs, %d lookup values\n",
				result.Reservations, result.Blobs, result.Lookups)
			return nil
		},
	}
}

func newLookupCmd() *cobra.Command {
	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Read and write lookup stores",
	}

	getCmd := &cobra.Command{
		Use:   "get <store> <key>",
		Short: "Print a lookup value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			l, err := st.LookupStore(args[0])
			if err != nil {
				return err
			}
			key := store.KeyOf(args[1])
			if counter, _ := cmd.Flags().GetBool("counter"); counter {
				key = store.CounterOf(args[1])
			}
			value, err := l.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value.String())
			return nil
		},
	}
	getCmd.Flags().Bool("counter", false, "Read the key as a counter")

	setCmd := &cobra.Command{
		Use:   "set <store> <key> <value>",
		Short: "Store a lookup value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			l, err := st.LookupStore(args[0])
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return l.Set(cmd.Context(), []byte(args[1]), []byte(args[2]), ttl)
		},
	}
	setCmd.Flags().Duration("ttl", 0, "Expire the value after this long (0 keeps it)")

	lookupCmd.AddCommand(getCmd, setCmd)
	return lookupCmd
}

func newBlobCmd() *cobra.Command {
	blobCmd := &cobra.Command{
		Use:   "blob",
		Short: "Upload and read blobs",
	}

	putCmd := &cobra.Command{
		Use:   "put <account-id> <file>",
		Short: "Upload a file and reserve it for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var account uint32
			if _, err := fmt.Sscan(args[0], &account); err != nil {
				return fmt.Errorf("invalid account id %q: %w", args[0], err)
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}

			cfg, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Store("")
			if err != nil {
				return err
			}
			blobs, err := st.BlobStore("")
			if err != nil {
				return err
			}

			hash := store.NewBlobHash(data)
			if err := blobs.PutBlob(cmd.Context(), hash, data); err != nil {
				return err
			}
			expires := uint64(time.Now().Add(cfg.Blob.ReservationTTL).Unix())
			if err := s.ReserveBlob(cmd.Context(), hash, account, expires); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash.String())
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Write a blob to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := store.ParseBlobHash(args[0])
			if err != nil {
				return err
			}

			_, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			blobs, err := st.BlobStore("")
			if err != nil {
				return err
			}
			data, err := blobs.GetBlob(cmd.Context(), hash, 0, -1)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	blobCmd.AddCommand(putCmd, getCmd)
	return blobCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <from-store> <to-store>",
		Short: "Copy every key of one embedded data store into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, logger, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			var engines [2]*stores.Store
			for i, name := range args {
				s, err := st.Store(name)
				if err != nil {
					return err
				}
				if s.Kind().IsSQL() {
					return fmt.Errorf("store %q is a %s database; only embedded stores can be migrated", name, s.Kind())
				}
				engines[i] = s
			}

			copied, err := metadata.Copy(cmd.Context(), engines[0].Backend(), engines[1].Backend(), logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d keys\n", copied)
			return nil
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <store>",
		Short: "Run a compaction pass on a data store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Store(args[0])
			if err != nil {
				return err
			}
			if err := s.Compact(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted %s\n", s.Name())
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <store> <path>",
		Short: "Write a consistent snapshot of a data store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Store(args[0])
			if err != nil {
				return err
			}
			if err := s.Backup(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up %s to %s\n", s.Name(), args[1])
			return nil
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <store>",
		Short: "Print the applied schema migrations of an SQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, _, err := openStores(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Store(args[0])
			if err != nil {
				return err
			}
			if !s.Kind().IsSQL() {
				return fmt.Errorf("store %q is a %s store; only SQL stores have a schema", args[0], s.Kind())
			}
			history, err := s.SQL().SchemaHistory()
			if err != nil {
				return err
			}
			for _, record := range history {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n",
					record.Version, record.Description, record.AppliedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
