package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) newUploadCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upload <branch> <file>",
		Short: "Publish a build artifact to a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, path := args[0], args[1]
			if name == "" {
				name = filepath.Base(path)
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			obj, err := c.svc.Publisher.Publish(cmd.Context(), branch, name, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ok(out, "published %s", obj.Key)
			printField(out, "size", strconv.FormatInt(obj.Size, 10))
			printField(out, "sha256", obj.SHA256)
			printField(out, "content type", obj.ContentType)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Store under this filename instead of the local one")
	return cmd
}

func (c *cli) newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import every artifact waiting in the inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Import.Inbox == "" {
				return fmt.Errorf("import.inbox is not configured")
			}
			if err := c.svc.Publisher.ImportInbox(cmd.Context()); err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), "inbox %s imported", c.cfg.Import.Inbox)
			return nil
		},
	}
}

func (c *cli) newPackagesCmd() *cobra.Command {
	var gz bool

	cmd := &cobra.Command{
		Use:   "packages <branch>",
		Short: "Print the Packages index of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if gz {
				data, err := c.svc.Repo.PackagesGz(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			text, err := c.svc.Repo.Packages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, text)
			return nil
		},
	}

	cmd.Flags().BoolVar(&gz, "gz", false, "Write the gzip-compressed index")
	return cmd
}

func (c *cli) newReleaseCmd() *cobra.Command {
	var signed bool

	cmd := &cobra.Command{
		Use:   "release <branch>",
		Short: "Print the Release manifest of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			get := c.svc.Repo.Release
			if signed {
				get = c.svc.Repo.InRelease
			}
			doc, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return nil
		},
	}

	cmd.Flags().BoolVar(&signed, "signed", false, "Print the InRelease document instead")
	return cmd
}

func (c *cli) newLatestCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "latest <branch>",
		Short: "Show the newest build of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.svc.Catalog.LatestVersion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("branch %q has no builds", args[0])
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			header(out, "Branch: %s", args[0])
			printField(out, "version", info.LatestVersion)
			printField(out, "image", orNone(info.ImageURL))
			printField(out, "app", orNone(info.AppURL))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the /api/latest response")
	return cmd
}

func (c *cli) newFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List builds by branch and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := c.svc.Catalog.ListFiles(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, color.YellowString("no builds stored"))
				return nil
			}

			branch := ""
			for _, f := range files {
				if f.Branch != branch {
					branch = f.Branch
					header(out, "Branch: %s", branch)
				}
				notes := ""
				if f.HasReleaseNotes {
					notes = color.GreenString("notes")
				}
				fmt.Fprintf(out, "  %-12s %-6s %-4s %s\n", f.Version, mark(f.ZipURL, "image"), mark(f.DebURL, "deb"), notes)
			}
			return nil
		},
	}
}

func (c *cli) newPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stored blobs no object refers to",
		Long: `Overwritten and deleted objects leave their blob on disk. prune removes
those blobs, and abandoned upload temp files, once they are older than
--older-than.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.svc.Store.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			ok(cmd.OutOrStdout(), "removed %d unreferenced files", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Only remove files older than this")
	return cmd
}

func mark(url, label string) string {
	if url == "" {
		return "-"
	}
	return label
}

func orNone(s string) string {
	if s == "" {
		return color.YellowString("none")
	}
	return s
}
