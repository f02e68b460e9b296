package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jaypipes/ghw"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/bootforge/bootforge/config"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/multiboot"
	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/session"
	"github.com/bootforge/bootforge/source"
	"github.com/bootforge/bootforge/types"
	"github.com/bootforge/bootforge/wintogo"
)

var version = "v0.1.0"

func main() {
	app := &cli.App{
		Name:    "bootforge",
		Version: version,
		Usage:   "turn a block device into bootable media",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "verbose logging"},
			&cli.BoolFlag{Name: "quiet", Usage: "log to file/journal only"},
			&cli.StringFlag{Name: "config", Usage: "env-style config file", Value: config.DefaultPath},
		},
		Commands: []*cli.Command{
			installCommand(),
			winToGoCommand(),
			multibootCommand(),
			listDevicesCommand(),
			inspectCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) types.ForgeLogger {
	level := "info"
	if c.Bool("debug") {
		level = "debug"
	}
	return types.NewForgeLogger("bootforge", level, c.Bool("quiet"))
}

// ptermSink renders stage transitions and copy progress on the terminal.
type ptermSink struct {
	bar *pterm.ProgressbarPrinter
}

func (p *ptermSink) OnProgress(stage session.Stage, message string, percent int) {
	if percent < 0 {
		if p.bar != nil {
			_, _ = p.bar.Stop()
			p.bar = nil
		}
		pterm.Info.Printfln("[%s] %s", stage, message)
		return
	}
	if p.bar == nil {
		p.bar, _ = pterm.DefaultProgressbar.WithTotal(100).WithTitle(message).Start()
	}
	if p.bar != nil && percent > p.bar.Current {
		p.bar.Add(percent - p.bar.Current)
	}
}

func targetDevice(path string, logger types.ForgeLogger) (types.Device, error) {
	disk := probe.GetDisk(probe.NewPaths(""), path, &logger)
	if disk == nil {
		return types.Device{}, fmt.Errorf("no such block device: %s", path)
	}
	return types.Device{
		Path:      filepath.Join("/dev", disk.Name),
		SizeBytes: int64(disk.SizeBytes),
		Class:     disk.Class,
	}, nil
}

func runSession(c *cli.Context, opts session.Options) error {
	logger := newLogger(c)
	defer logger.Cleanup()
	cfg, err := config.Load(c.String("config"), logger)
	if err != nil {
		return err
	}
	if cfg.Debug {
		logger.SetLevel("debug")
	}
	opts.Preference = cfg.Preference
	if opts.SupportImagePath == "" {
		opts.SupportImagePath = cfg.SupportImagePath
	}

	device, err := targetDevice(c.Args().Get(1), logger)
	if err != nil {
		return err
	}
	opts.Device = device
	opts.SourcePath = c.Args().Get(0)

	controller := session.New(opts, executor.New(logger), nil, nil, &ptermSink{}, logger)
	verdict, err := controller.Run(c.Context)
	for _, warning := range controller.Warnings() {
		pterm.Warning.Println(warning)
	}
	if err != nil {
		return fmt.Errorf("session ended %s: %w", verdict, err)
	}
	pterm.Success.Printfln("%s is ready (%s)", device.Path, verdict)
	return nil
}

func installCommand() *cli.Command {
	return &cli.Command{
		Name:      "install",
		Usage:     "copy one OS onto a device and make it bootable",
		ArgsUsage: "<source iso or directory> <target device>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "filesystem", Aliases: []string{"f"}, Usage: "target filesystem (auto, fat32, ntfs, exfat, f2fs, btrfs)", Value: "auto"},
			&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "filesystem label"},
			&cli.BoolFlag{Name: "skip-legacy-bootloader", Usage: "leave the boot sector alone"},
			&cli.BoolFlag{Name: "workaround-bios-boot-flag", Usage: "toggle the boot flag for buggy firmware"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("need a source and a target device", 1)
			}
			kind, err := types.ParseFilesystemKind(c.String("filesystem"))
			if err != nil {
				return err
			}
			return runSession(c, session.Options{
				Filesystem:           kind,
				Label:                c.String("label"),
				SkipLegacyBootloader: c.Bool("skip-legacy-bootloader"),
				WorkaroundBootFlag:   c.Bool("workaround-bios-boot-flag"),
			})
		},
	}
}

func winToGoCommand() *cli.Command {
	return &cli.Command{
		Name:      "wintogo",
		Usage:     "build a portable Windows-To-Go device",
		ArgsUsage: "<windows iso> <target device>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "filesystem", Aliases: []string{"f"}, Usage: "Windows partition filesystem", Value: "ntfs"},
			&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "Windows partition label", Value: "WINTOGO"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("need a Windows image and a target device", 1)
			}
			kind, err := types.ParseFilesystemKind(c.String("filesystem"))
			if err != nil {
				return err
			}
			return runSession(c, session.Options{
				Filesystem: kind,
				Label:      c.String("label"),
				WinToGo:    true,
			})
		},
	}
}

func multibootCommand() *cli.Command {
	return &cli.Command{
		Name:      "multiboot",
		Usage:     "build a device carrying several systems behind one menu",
		ArgsUsage: "<manifest.yaml>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("need a manifest file", 1)
			}
			logger := newLogger(c)
			defer logger.Cleanup()
			manifest, err := multiboot.LoadManifest(c.Args().First())
			if err != nil {
				return err
			}
			device, err := targetDevice(manifest.Device, logger)
			if err != nil {
				return err
			}
			orch := multiboot.New(executor.New(logger), nil, nil, &ptermSink{}, logger)
			verdict, err := orch.Run(c.Context, device, manifest)
			if err != nil {
				return fmt.Errorf("multiboot build ended %s: %w", verdict, err)
			}
			pterm.Success.Printfln("%s is ready (%s)", device.Path, verdict)
			return nil
		},
	}
}

func listDevicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-devices",
		Usage: "show candidate target devices",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "include non-removable drives"},
		},
		Action: func(c *cli.Context) error {
			block, err := ghw.Block()
			if err != nil {
				return err
			}
			rows := pterm.TableData{{"Device", "Size", "Removable", "Model", "Partitions"}}
			for _, disk := range block.Disks {
				if !disk.IsRemovable && !c.Bool("all") {
					continue
				}
				rows = append(rows, []string{
					filepath.Join("/dev", disk.Name),
					humanSize(int64(disk.SizeBytes)),
					fmt.Sprintf("%v", disk.IsRemovable),
					disk.Model,
					fmt.Sprintf("%d", len(disk.Partitions)),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "size an ISO image and identify its Windows version without mounting it",
		ArgsUsage: "<iso>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("need an ISO image", 1)
			}
			logger := newLogger(c)
			defer logger.Cleanup()
			iso := c.Args().First()

			scan, err := source.ScanISO(iso, &logger)
			if err != nil {
				return err
			}
			rows := pterm.TableData{
				{"Files", fmt.Sprintf("%d", scan.FileCount)},
				{"Total size", humanSize(scan.TotalBytes)},
				{"Files over 4 GiB", fmt.Sprintf("%d", len(scan.LargeFiles))},
			}
			for _, name := range scan.LargeFiles {
				rows = append(rows, []string{"", name})
			}

			// DetectWindows reads marker files off a mounted tree, so pull
			// just those markers out of the image first.
			markers, err := os.MkdirTemp("", "bootforge-inspect")
			if err != nil {
				return err
			}
			defer os.RemoveAll(markers)
			if err := os.Mkdir(filepath.Join(markers, "sources"), 0755); err != nil {
				return err
			}
			for _, name := range []string{"sources/cversion.ini", "sources/appraiserres.dll", "sources/compatresources.dll"} {
				_ = source.ExtractFileFromISO("/"+name, iso, filepath.Join(markers, name), &logger)
			}
			if info := wintogo.DetectWindows(markers); info.Version != "unknown" {
				rows = append(rows, []string{"Windows version", info.Version})
			}
			return pterm.DefaultTable.WithData(rows).Render()
		},
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
