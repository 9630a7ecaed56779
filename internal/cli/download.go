package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDownloadCmd creates the download command.
func NewDownloadCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "download KEY...",
		Short: "Download package payloads without installing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, closer, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer closer()

			keys, err := parseKeys(ctx, p, args)
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = "."
			}
			for _, key := range keys {
				path, err := p.DownloadTo(ctx, key, outputDir, func(current, total int64) {
					fmt.Printf("\rdownloading %s: %d/%d bytes", key.ID, current, total)
				})
				if err != nil {
					fmt.Println()
					return err
				}
				fmt.Printf("\n%s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Destination directory (defaults to the working directory)")
	return cmd
}
