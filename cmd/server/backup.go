package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/focusnook/pkg/nookstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	configCodeMissingLocalDB = "config.missing_local_db"
	configCodeMissingInput   = "config.missing_backup_input"
)

var backupNow = time.Now

func newBackupCommand() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or import focusnook data held in a local store",
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			_ = godotenv.Load()
			return nil
		},
	}
	backupCmd.PersistentFlags().String("local_db", "", "Path to the local SQLite store")
	backupCmd.PersistentFlags().String("data_file", "", "Linked data file to use instead of the local store")
	_ = viper.BindPFlag("local_db", backupCmd.PersistentFlags().Lookup("local_db"))
	_ = viper.BindPFlag("data_file", backupCmd.PersistentFlags().Lookup("data_file"))

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write every recognized key to a backup file",
		RunE:  runBackupExport,
	}
	exportCmd.Flags().String("out", "", "Backup file or directory; stdout when empty")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Restore recognized keys from a backup file",
		RunE:  runBackupImport,
	}
	importCmd.Flags().String("in", "", "Backup file to import")

	backupCmd.AddCommand(exportCmd, importCmd)
	return backupCmd
}

func runBackupExport(command *cobra.Command, arguments []string) error {
	ctx := backupContext(command)
	storage, closeStore, openErr := openBackupStorage(ctx)
	if openErr != nil {
		return openErr
	}
	defer closeStore()

	if _, err := nookstore.MigrateLegacyKeys(ctx, storage); err != nil {
		return err
	}
	now := backupNow()
	backup, exportErr := nookstore.Export(ctx, storage, now)
	if exportErr != nil {
		return exportErr
	}
	encoded, encodeErr := nookstore.EncodeBackup(backup)
	if encodeErr != nil {
		return encodeErr
	}

	output, _ := command.Flags().GetString("out")
	if strings.TrimSpace(output) == "" {
		_, err := command.OutOrStdout().Write(append(encoded, '\n'))
		return err
	}
	if info, statErr := os.Stat(output); statErr == nil && info.IsDir() {
		output = filepath.Join(output, nookstore.BackupFileName(now))
	}
	if err := os.WriteFile(output, encoded, 0o600); err != nil {
		return fmt.Errorf("backup.export.write: %w", err)
	}
	fmt.Fprintf(command.OutOrStdout(), "exported %d keys to %s\n", len(backup.Data), output)
	return nil
}

func runBackupImport(command *cobra.Command, arguments []string) error {
	ctx := backupContext(command)
	input, _ := command.Flags().GetString("in")
	if strings.TrimSpace(input) == "" {
		return configError(configCodeMissingInput, "--in must name a backup file")
	}
	raw, readErr := os.ReadFile(input)
	if readErr != nil {
		return fmt.Errorf("backup.import.read: %w", readErr)
	}

	storage, closeStore, openErr := openBackupStorage(ctx)
	if openErr != nil {
		return openErr
	}
	defer closeStore()

	imported, importErr := nookstore.Import(ctx, storage, raw)
	if importErr != nil {
		return importErr
	}
	fmt.Fprintf(command.OutOrStdout(), "imported %d keys\n", len(imported))
	return nil
}

// openBackupStorage activates the linked data file when data_file is set and
// the local store otherwise.
func openBackupStorage(ctx context.Context) (*nookstore.Storage, func(), error) {
	localPath := viper.GetString("local_db")
	if strings.TrimSpace(localPath) == "" {
		return nil, nil, configError(configCodeMissingLocalDB, "local_db must be provided")
	}
	db, openErr := nookstore.OpenLocalDatabase(ctx, localPath)
	if openErr != nil {
		return nil, nil, openErr
	}
	closeStore := func() { closeDatabase(db) }

	logger := zap.NewNop()
	local := nookstore.NewLocalStore(db)
	storage := nookstore.NewStorage(local, logger)

	dataFile := viper.GetString("data_file")
	if strings.TrimSpace(dataFile) == "" {
		return storage, closeStore, nil
	}
	file := nookstore.NewLocalFileStore(nookstore.LocalFileConfig{
		Picker:  nookstore.OSFilePicker{Path: dataFile},
		Handles: nookstore.NewHandleStore(db),
		Logger:  logger,
	})
	if _, err := file.Connect(ctx, nookstore.ConnectCreateOrSelect); err != nil {
		closeStore()
		return nil, nil, err
	}
	storage.SetAdapter(file)
	return storage, func() {
		_ = file.Flush(context.Background())
		closeStore()
	}, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func backupContext(command *cobra.Command) context.Context {
	if ctx := command.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
