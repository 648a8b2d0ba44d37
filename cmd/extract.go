package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/archive"
	"github.com/sells-group/attribution-cli/internal/store"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Unpack the input archive and prepare its database",
	Long:  "Extracts the archive, locates the SQLite database inside it and creates the attribution output tables.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		archivePath, _ := cmd.Flags().GetString("archive")
		dest, _ := cmd.Flags().GetString("dest")

		dbPath, err := archive.ExtractDatabase(archivePath, dest)
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		st, err := store.NewSQLite(dbPath)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		zap.L().Info("extract: database ready", zap.String("path", dbPath))
		fmt.Println(dbPath)
		return nil
	},
}

func init() {
	extractCmd.Flags().String("archive", "data/challenge.zip", "path to the input zip archive")
	extractCmd.Flags().String("dest", "", "extraction directory (default: the archive's directory)")
	rootCmd.AddCommand(extractCmd)
}
