package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Napageneral/unthread-extractor/internal/config"
)

var fieldFlags = []struct {
	name string
	get  func(*config.FieldIDs) *string
}{
	{"category", func(f *config.FieldIDs) *string { return &f.Category }},
	{"sub-category", func(f *config.FieldIDs) *string { return &f.SubCategory }},
	{"resolution", func(f *config.FieldIDs) *string { return &f.Resolution }},
	{"migration-category", func(f *config.FieldIDs) *string { return &f.MigrationCategory }},
	{"cluster", func(f *config.FieldIDs) *string { return &f.Cluster }},
}

// applyFieldFlags overrides fields with every field flag set on cmd.
func applyFieldFlags(cmd *cobra.Command, fields config.FieldIDs) config.FieldIDs {
	for _, ff := range fieldFlags {
		if cmd.Flags().Changed(ff.name) {
			*ff.get(&fields), _ = cmd.Flags().GetString(ff.name)
		}
	}
	return fields
}

func newFieldsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Show or save the ticket field IDs",
		Long: `Print the custom field IDs the update and migration jobs write to. Flags
override single IDs; --save stores the result in fields.yaml in the config
directory (UNTHREAD_CONFIG_DIR or the XDG config dir).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			save, _ := cmd.Flags().GetBool("save")

			cfg, err := config.LoadWithoutCredentials()
			if err != nil {
				return err
			}
			fields := applyFieldFlags(cmd, cfg.Fields)

			dir := cfg.ConfigDir
			if dir == "" {
				if dir, err = config.GetConfigDir(); err != nil {
					return err
				}
			}
			if save {
				if err := config.SaveFieldIDs(dir, fields); err != nil {
					return err
				}
			}

			if jsonOutput {
				printJSON(map[string]any{"ok": true, "saved": save, "dir": dir, "fields": fields})
				return nil
			}
			for _, ff := range fieldFlags {
				fmt.Printf("%-20s %s\n", ff.name, *ff.get(&fields))
			}
			if save {
				fmt.Printf("✓ Saved to %s\n", dir)
			}
			return nil
		},
	}
	for _, ff := range fieldFlags {
		cmd.Flags().String(ff.name, "", "Override the "+ff.name+" field ID")
	}
	cmd.Flags().Bool("save", false, "Write the field IDs to fields.yaml")
	return cmd
}
