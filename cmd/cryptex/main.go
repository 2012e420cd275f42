package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/cryptexvault/cryptex"
	"github.com/cryptexvault/cryptex/internal/vault"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

type hostCtxKey struct{}

type shellHost struct{}

func (shellHost) ClearCaches() {}

func vaultFrom(ctx context.Context) *cryptex.Vault {
	v, _ := ctx.Value(hostCtxKey{}).(*cryptex.Vault)
	return v
}

func withVault(ctx context.Context, v *cryptex.Vault) context.Context {
	return context.WithValue(ctx, hostCtxKey{}, v)
}

// obtainPassword reads the vault password from the --password flag,
// the CRYPTEX_PASSWORD environment variable, or (failing both) an
// interactive, non-echoing terminal prompt.
func obtainPassword(c *cli.Command) ([]byte, error) {
	if p := c.String("password"); p != "" {
		return []byte(p), nil
	}
	if p := os.Getenv("CRYPTEX_PASSWORD"); p != "" {
		return []byte(p), nil
	}
	fmt.Fprint(os.Stderr, "Vault password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}

func openVault(ctx context.Context, c *cli.Command) (context.Context, error) {
	root := c.String("path")
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return ctx, fmt.Errorf("open vault: %w", err)
		}
	}

	password, err := obtainPassword(c)
	if err != nil {
		return ctx, err
	}

	adapter := vault.NewFSAdapter(true)
	v, err := cryptex.Open(adapter, root, password, slog.Default())
	if err != nil {
		return ctx, fmt.Errorf("open vault: %w", err)
	}
	return withVault(ctx, v), nil
}

func closeVault(ctx context.Context, c *cli.Command) error {
	if v := vaultFrom(ctx); v != nil {
		v.Lock(shellHost{})
	}
	return nil
}

// findEntry re-enumerates folder looking for name, recovering the
// adapter-specific Handle a Gallery listing does not carry.
func findEntry(ctx context.Context, c *cli.Command, folder, name string) (vault.Entry, error) {
	adapter := vault.NewFSAdapter(true)
	entries, err := adapter.Enumerate(folder)
	if err != nil {
		return vault.Entry{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return vault.Entry{}, fmt.Errorf("no such entry: %s", name)
}

func cmdList() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List the contents of a vault folder",
		ArgsUsage: "[folder]",
		Action: func(ctx context.Context, c *cli.Command) error {
			v := vaultFrom(ctx)
			folder := c.Args().First()
			entries, err := v.List(folder)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsFolder {
					fmt.Printf("%-34s  <dir>   %s\n", e.Name, e.DisplayName)
					continue
				}
				fmt.Printf("%-34s  %7d  %s\n", e.Name, e.Size, e.DisplayName)
			}
			return nil
		},
	}
}

func cmdMkdir() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "Create an encrypted subfolder",
		ArgsUsage: "<name> [parent]",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("usage: mkdir <name> [parent]")
			}
			v := vaultFrom(ctx)
			name := c.Args().Get(0)
			parent := c.Args().Get(1)
			token, err := v.CreateEncryptedFolder(parent, name)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func cmdImport() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Encrypt a local file into a vault folder",
		ArgsUsage: "<local-file> [folder]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Value: "text", Usage: "text|image|gif|video"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("usage: import <local-file> [folder]")
			}
			v := vaultFrom(ctx)
			src := c.Args().Get(0)
			folder := c.Args().Get(1)

			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			ft := fileTypeFromFlag(c.String("type"))
			name, err := v.Import(ctx, f, folder, info.Name(), ft, info.Size(), nil, nil, func(done, total int64) {
				fmt.Fprintf(os.Stderr, "\r%d/%d bytes", done, total)
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		},
	}
}

func fileTypeFromFlag(s string) cryptex.FileType {
	switch s {
	case "image":
		return cryptex.FileTypeImage
	case "gif":
		return cryptex.FileTypeGIF
	case "video":
		return cryptex.FileTypeVideo
	default:
		return cryptex.FileTypeText
	}
}

func cmdReadText() *cli.Command {
	return &cli.Command{
		Name:      "read-text",
		Usage:     "Decrypt and print a blob's FILE section as text",
		ArgsUsage: "<blob-name> [folder]",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("usage: read-text <blob-name> [folder]")
			}
			v := vaultFrom(ctx)
			entry, err := findEntry(ctx, c, c.Args().Get(1), c.Args().Get(0))
			if err != nil {
				return err
			}
			text, err := v.ReadText(entry)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

func cmdRegenerate() *cli.Command {
	return &cli.Command{
		Name:  "regenerate",
		Usage: "Rebuild the folder index, incrementally, by probing every blob",
		Action: func(ctx context.Context, c *cli.Command) error {
			v := vaultFrom(ctx)
			n, err := v.Regenerate(ctx, func(processed, total int) {
				fmt.Fprintf(os.Stderr, "\r%d/%d", processed, total)
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			fmt.Printf("probed %d new blob(s)\n", n)
			return nil
		},
	}
}

func cmdQuery() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Print the cached index entry for a blob",
		ArgsUsage: "<blob-name>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("usage: query <blob-name>")
			}
			v := vaultFrom(ctx)
			entry, ok := v.Query(c.Args().Get(0))
			if !ok {
				return fmt.Errorf("not indexed: %s", c.Args().Get(0))
			}
			fmt.Printf("name=%s size=%s modtime=%s thumbnail=%s note=%s\n",
				entry.OriginalName,
				strconv.FormatInt(entry.Size, 10),
				entry.ModTime.Format("2006-01-02T15:04:05Z07:00"),
				strconv.FormatBool(entry.HasThumbnail),
				strconv.FormatBool(entry.HasNote),
			)
			return nil
		},
	}
}

func main() {
	app := &cli.Command{
		Name:  "cryptex",
		Usage: "Inspect and manage an encrypted file vault",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Value:   ".",
				Usage:   "Root directory of the vault",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Vault password (prefer CRYPTEX_PASSWORD or the interactive prompt)",
			},
		},
		Before: openVault,
		After:  closeVault,
		Commands: []*cli.Command{
			cmdList(),
			cmdMkdir(),
			cmdImport(),
			cmdReadText(),
			cmdRegenerate(),
			cmdQuery(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
