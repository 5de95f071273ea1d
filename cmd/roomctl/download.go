package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDownloadCmd(v *viper.Viper) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "download ROOM FILE",
		Short: "Save a file's current content named after its language",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(v)
			if err != nil {
				return err
			}

			path, err := downloadFile(cmd.Context(), httpBase(conf.Client.ServerURL), args[0], args[1], dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "out", "o", ".", "Directory to save into")
	return cmd
}
