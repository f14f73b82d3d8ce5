package main

import (
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/config"
	"github.com/bryan-buckman/readerarchive/internal/model"
	"github.com/bryan-buckman/readerarchive/internal/opml"
)

type itemIDForms struct {
	Compact  string `json:"compact"`
	Decimal  string `json:"decimal"`
	Unsigned string `json:"unsigned"`
	Atom     string `json:"atom"`
	Path     string `json:"path"`
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup ITEM_ID...",
		Short: "Print every form of item IDs, and where they are stored in an archive",
		Args:  cobra.MinimumNArgs(1),
		// Decimal item IDs are often negative and must not be read as flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
				return cmd.Help()
			}
			items := archive.NewBundleStore(archive.ItemsDir, archive.AtomCodec{})
			out := make([]itemIDForms, 0, len(args))
			for _, arg := range args {
				id, err := model.ItemIDFromAnyForm(arg)
				if err != nil {
					return fmt.Errorf("%q: %w", arg, err)
				}
				if model.IsAmbiguousItemID(arg) {
					log.WithField("item", arg).Warn("16 digit item ID read as hex; prefix a decimal ID with + to read it as decimal")
				}
				out = append(out, itemIDForms{
					Compact:  id.Compact(),
					Decimal:  id.Decimal(),
					Unsigned: strconv.FormatUint(uint64(id), 10),
					Atom:     id.Atom(),
					Path:     archive.ItemsDir + "/" + items.Sharder.Path(id),
				})
			}
			return emitJSON(cmd, out)
		},
	}
}

func newOPMLCmd(cfg config.Config) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "opml",
		Short: "Print the archived subscriptions as OPML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var subs []model.Subscription
			if err := (archive.Layout{Root: dir}).ReadData("subscriptions.json", &subs); err != nil {
				return err
			}
			data, err := opml.Export("Google Reader subscriptions", subs)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&dir, "output-directory", "o", cfg.OutputDirectory, "Archive directory")
	return cmd
}
