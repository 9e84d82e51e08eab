package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	squashfs "github.com/wsldankers/squashfs-tools-ng"
)

func main() {
	app := &cli.App{
		Name:  "rdsquashfs",
		Usage: "inspect and unpack squashfs images",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug output",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				return log.SetLevel("debug")
			}
			return nil
		},
		Commands: []*cli.Command{
			lsCommand,
			catCommand,
			statCommand,
			unpackCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openImage(c *cli.Context) (*squashfs.FileSystem, error) {
	if c.Args().Len() < 1 {
		return nil, fmt.Errorf("missing image argument")
	}
	f, err := squashfs.OpenFile(c.Args().Get(0))
	if err != nil {
		return nil, err
	}
	return squashfs.New(f)
}

func pathArg(c *cli.Context) string {
	if c.Args().Len() > 1 {
		return c.Args().Get(1)
	}
	return "."
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "list the contents of a directory in the image",
	ArgsUsage: "<image> [path]",
	Action: func(c *cli.Context) error {
		fsys, err := openImage(c)
		if err != nil {
			return err
		}

		entries, err := fs.ReadDir(fsys, pathArg(c))
		if err != nil {
			return err
		}
		for _, ent := range entries {
			fi, err := ent.Info()
			if err != nil {
				return err
			}
			st := fi.Sys().(*squashfs.Stat)
			name := ent.Name()
			if st.Target != "" {
				name += " -> " + st.Target
			}
			fmt.Printf("%s %5d/%-5d %10d %s\n",
				fi.Mode(), st.UID, st.GID, st.Size, name)
		}
		return nil
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "write the contents of a file to standard output",
	ArgsUsage: "<image> <path>",
	Action: func(c *cli.Context) error {
		fsys, err := openImage(c)
		if err != nil {
			return err
		}

		f, err := fsys.Open(pathArg(c))
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(os.Stdout, f)
		return err
	},
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "print detailed information about a filesystem object",
	ArgsUsage: "<image> <path>",
	Action: func(c *cli.Context) error {
		fsys, err := openImage(c)
		if err != nil {
			return err
		}

		fi, err := fs.Stat(fsys, pathArg(c))
		if err != nil {
			return err
		}
		st := fi.Sys().(*squashfs.Stat)

		fmt.Printf("Name:  %s\n", fi.Name())
		fmt.Printf("Mode:  %s\n", st.Mode)
		fmt.Printf("Size:  %d\n", st.Size)
		fmt.Printf("Inode: %d\n", st.Inode)
		fmt.Printf("Links: %d\n", st.Nlink)
		fmt.Printf("Owner: %d/%d\n", st.UID, st.GID)
		fmt.Printf("Mtime: %s\n", fi.ModTime())
		if st.Mode&fs.ModeDevice != 0 {
			fmt.Printf("Rdev:  %08x\n", st.Rdev)
		}
		if st.Target != "" {
			fmt.Printf("Link:  %s\n", st.Target)
		}
		return nil
	},
}

var unpackCommand = &cli.Command{
	Name:      "unpack",
	Usage:     "extract the directory tree to the local filesystem",
	ArgsUsage: "<image> <destination>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-sparse",
			Usage: "write zero blocks out instead of creating holes",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "only unpack the subtree at this path",
			Value: ".",
		},
	},
	Action: func(c *cli.Context) error {
		fsys, err := openImage(c)
		if err != nil {
			return err
		}
		if c.Args().Len() < 2 {
			return fmt.Errorf("missing destination argument")
		}
		dest := c.Args().Get(1)
		root := c.String("root")
		sparse := !c.Bool("no-sparse")

		sub, err := fs.Sub(fsys, root)
		if err != nil {
			return err
		}

		return fs.WalkDir(sub, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			target := filepath.Join(dest, filepath.FromSlash(path))

			switch {
			case d.IsDir():
				return os.MkdirAll(target, 0755)
			case d.Type()&fs.ModeSymlink != 0:
				fi, err := d.Info()
				if err != nil {
					return err
				}
				return os.Symlink(fi.Sys().(*squashfs.Stat).Target, target)
			case d.Type() != 0:
				// device, fifo and socket nodes are skipped
				log.L.WithField("path", path).Debug("skipping special file")
				return nil
			}

			full := root
			if root == "." {
				full = path
			} else if path != "." {
				full = root + "/" + path
			}
			inode, err := fsys.Lookup(full)
			if err != nil {
				return err
			}

			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if err := fsys.ExtractTo(inode, out, sparse); err != nil {
				out.Close()
				return fmt.Errorf("failed to unpack %s: %w", path, err)
			}
			return out.Close()
		})
	},
}
