package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/inkstone-studio/inkstone/storage/internal/config"
	"github.com/inkstone-studio/inkstone/storage/internal/database"
	"github.com/inkstone-studio/inkstone/storage/internal/document"
	"github.com/inkstone-studio/inkstone/storage/internal/logging"
	"github.com/inkstone-studio/inkstone/storage/internal/server"
	"github.com/inkstone-studio/inkstone/storage/internal/session"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkstone-store",
		Short: "Animation document storage service",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newInfoCommand())
	rootCmd.AddCommand(newRebuildCommand())
	rootCmd.AddCommand(newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a document and serve the HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.Flags().String("document", defaults.GetString("document.path"), "Animation document path")
	cmd.Flags().String("addr", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("session-secret", "", "Writer session signing secret (overrides env)")
	cmd.Flags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "document.path", "document")
	bindFlag(cmd, "http.address", "addr")
	bindFlag(cmd, "session.signing_secret", "session-secret")
	bindFlag(cmd, "log.level", "log-level")

	return cmd
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <document>",
		Short: "Print a YAML summary of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, args[0])
		},
	}
}

func newRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <document>",
		Short: "Replay the edit log into a fresh cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd, args[0])
		},
		Args: cobra.ExactArgs(1),
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <document>",
		Short: "Apply pending format upgrades and report the version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, args[0])
		},
	}
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handle, err := database.Open(appConfig.DocumentPath, logger)
	if err != nil {
		return err
	}
	defer handle.Close() //nolint:errcheck

	documents := document.NewService(document.ServiceConfig{
		Database: handle.DB(),
		Logger:   logger,
	})

	recovery, err := documents.Recover(ctx)
	if err != nil {
		return err
	}
	if recovery.Reapplied > 0 || recovery.Rejected > 0 {
		logger.Info("recovered unapplied edits",
			zap.Int64("resumed_from", recovery.Resumed),
			zap.Int("reapplied", recovery.Reapplied),
			zap.Int("rejected", recovery.Rejected))
	}

	sessions := session.NewIssuer(session.IssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  sessions,
		Documents: documents,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type layerSummary struct {
	LayerGUID  string `yaml:"layer_guid"`
	OrderIndex int64  `yaml:"order_index"`
	Keyframes  int64  `yaml:"keyframes"`
	Elements   int64  `yaml:"elements"`
}

type documentSummary struct {
	DocumentGUID  string         `yaml:"document_guid"`
	FormatVersion int64          `yaml:"format_version"`
	EditCount     int64          `yaml:"edit_count"`
	AppliedEditID int64          `yaml:"applied_edit_id"`
	Rejections    int64          `yaml:"rejections"`
	Layers        []layerSummary `yaml:"layers"`
}

func runInfo(cmd *cobra.Command, path string) error {
	handle, documents, err := openDocument(path, zap.NewNop())
	if err != nil {
		return err
	}
	defer handle.Close() //nolint:errcheck

	outline, err := documents.Outline(cmd.Context())
	if err != nil {
		return err
	}

	summary := documentSummary{
		DocumentGUID:  outline.DocumentGUID(),
		FormatVersion: outline.FormatVersion(),
		EditCount:     outline.EditCount(),
		AppliedEditID: outline.AppliedEditID(),
		Rejections:    outline.RejectionCount(),
		Layers:        make([]layerSummary, 0, len(outline.Layers())),
	}
	for _, layer := range outline.Layers() {
		summary.Layers = append(summary.Layers, layerSummary{
			LayerGUID:  layer.LayerGUID().String(),
			OrderIndex: layer.OrderIndex(),
			Keyframes:  layer.KeyframeCount(),
			Elements:   layer.ElementCount(),
		})
	}

	encoded, err := yaml.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(encoded)
	return err
}

func runRebuild(cmd *cobra.Command, path string) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handle, documents, err := openDocument(path, logger)
	if err != nil {
		return err
	}
	defer handle.Close() //nolint:errcheck

	report, err := documents.Rebuild(cmd.Context())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d edits (%d rejected)\n", report.Replayed, report.Rejected)
	return err
}

func runMigrate(cmd *cobra.Command, path string) error {
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handle, documents, err := openDocument(path, logger)
	if err != nil {
		return err
	}
	defer handle.Close() //nolint:errcheck

	outline, err := documents.Outline(cmd.Context())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "format version %d\n", outline.FormatVersion())
	return err
}

func openDocument(path string, logger *zap.Logger) (*database.Handle, *document.Service, error) {
	handle, err := database.Open(path, logger)
	if err != nil {
		return nil, nil, err
	}
	documents := document.NewService(document.ServiceConfig{
		Database: handle.DB(),
		Logger:   logger,
	})
	return handle, documents, nil
}
