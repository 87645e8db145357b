package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/flashplan/internal/chip"
	"github.com/bigbag/flashplan/internal/detect"
	"github.com/bigbag/flashplan/internal/executor"
	"github.com/bigbag/flashplan/internal/flasher"
	"github.com/bigbag/flashplan/internal/image"
	"github.com/bigbag/flashplan/internal/serial"
	"github.com/bigbag/flashplan/internal/serprog"
	"github.com/bigbag/flashplan/internal/spi25"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag         string
	baudFlag         int
	dummyFlag        bool
	chipFlag         string
	verboseFlag      bool
	noDiffFlag       bool
	paranoidFlag     bool
	ignoreAccessFlag bool
	verifyFlag       string
	beforeFlag       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flashplan",
		Short: "Differential flash programmer for SPI NOR chips",
		Long: `Flashplan reprograms SPI NOR flash chips through a serprog-compatible
serial programmer. It compares the chip's current contents with the
desired image and erases/writes only the blocks that differ, picking
the cheapest mix of the chip's erase block sizes.`,
	}
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", serprog.DefaultBaudRate, "Baud rate")
	rootCmd.PersistentFlags().BoolVar(&dummyFlag, "dummy", false, "Use an in-memory dummy chip instead of hardware")
	rootCmd.PersistentFlags().StringVar(&chipFlag, "chip", "W25Q64", "Chip model for the dummy programmer")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	writeCmd := &cobra.Command{
		Use:   "write <image>",
		Short: "Write an image to the chip",
		Long: `Write an image (raw binary or Intel HEX) to the chip.

By default the chip is read first and only differing blocks are
erased and rewritten. Use --no-diff to treat the chip as erased and
skip the initial read.`,
		Args: cobra.ExactArgs(1),
		RunE: runWrite,
	}
	writeCmd.Flags().BoolVar(&noDiffFlag, "no-diff", false, "Do not diff against current contents, consider the chip erased")
	writeCmd.Flags().BoolVar(&paranoidFlag, "paranoid", false, "Read back after every erase and unerased write")
	writeCmd.Flags().BoolVar(&ignoreAccessFlag, "ignore-access-errors", false, "Treat access-denied failures as soft no-ops")
	writeCmd.Flags().StringVar(&verifyFlag, "verify", "partial", "Post-write verification: none, partial or full")
	writeCmd.Flags().StringVar(&beforeFlag, "diff-file", "", "Use this file as the chip's current contents instead of reading")

	planCmd := &cobra.Command{
		Use:   "plan <image>",
		Short: "Show the erase/write plan without touching the chip",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	planCmd.Flags().BoolVar(&noDiffFlag, "no-diff", false, "Do not diff against current contents, consider the chip erased")
	planCmd.Flags().StringVar(&beforeFlag, "diff-file", "", "Use this file as the chip's current contents instead of reading")

	verifyCmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Compare chip contents against an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().BoolVar(&ignoreAccessFlag, "ignore-access-errors", false, "Skip unreadable ranges instead of failing")

	readCmd := &cobra.Command{
		Use:   "read <output.bin>",
		Short: "Dump chip contents to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Detect the programmer and identify the chip",
		RunE:  runProbe,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flashplan %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(writeCmd, planCmd, verifyCmd, readCmd, probeCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDevice connects to the configured programmer and identifies the
// chip behind it. The returned closer is nil for the dummy device.
func openDevice() (chip.Device, *chip.Geometry, func(), error) {
	if dummyFlag {
		var geom *chip.Geometry
		for i := range chip.Known {
			if strings.EqualFold(chip.Known[i].Name, chipFlag) {
				geom = &chip.Known[i]
				break
			}
		}
		if geom == nil {
			return nil, nil, nil, fmt.Errorf("unknown chip model %q", chipFlag)
		}
		fmt.Printf("Using dummy %s %s (%d KiB)\n", geom.Vendor, geom.Name, geom.TotalSize/1024)
		return chip.NewMemDevice(geom), geom, nil, nil
	}

	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting programmer...")
		result, err := detect.DetectDevice(baudFlag)
		if err != nil {
			return nil, nil, nil, err
		}
		portName = result.Port
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := serprog.Connect(port)
	if err != nil {
		port.Close()
		return nil, nil, nil, err
	}

	geom, id, err := detect.Identify(client)
	if err != nil {
		port.Close()
		return nil, nil, nil, err
	}

	fmt.Printf("Port: %s @ %d baud", portName, baudFlag)
	if client.Name() != "" {
		fmt.Printf(" (%s)", client.Name())
	}
	fmt.Println()
	fmt.Printf("Chip: %s %s (JEDEC 0x%06X, %d KiB)\n",
		geom.Vendor, geom.Name, id, geom.TotalSize/1024)

	return spi25.New(client, geom), geom, func() { port.Close() }, nil
}

func sessionOptions(log chip.Logger) []flasher.Option {
	opts := []flasher.Option{flasher.WithLogger(log)}
	if noDiffFlag {
		opts = append(opts, flasher.WithoutDiff())
	}
	if paranoidFlag {
		opts = append(opts, flasher.WithParanoid())
	}
	if ignoreAccessFlag {
		opts = append(opts, flasher.WithIgnoreAccessErrors())
	}
	return opts
}

func runWrite(cmd *cobra.Command, args []string) error {
	dev, geom, closer, err := openDevice()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	after, err := image.Load(args[0], geom.TotalSize, geom.ErasedValue)
	if err != nil {
		return err
	}
	fmt.Printf("Image: %s (%d bytes, crc16 %04x)\n", args[0], geom.TotalSize, image.Fingerprint(after))

	var mode flasher.VerifyMode
	switch verifyFlag {
	case "none":
		mode = flasher.VerifyNone
	case "partial":
		mode = flasher.VerifyPartial
	case "full":
		mode = flasher.VerifyFull
	default:
		return fmt.Errorf("invalid verify mode %q", verifyFlag)
	}

	opts := append(sessionOptions(newLogger()), flasher.WithVerify(mode))
	if beforeFlag != "" {
		before, err := image.Load(beforeFlag, geom.TotalSize, geom.ErasedValue)
		if err != nil {
			return err
		}
		opts = append(opts, flasher.WithBeforeImage(before))
	}

	var bar *progressbar.ProgressBar
	opts = append(opts, flasher.WithProgress(func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Flashing"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(done)
	}))

	f := flasher.New(dev, geom, opts...)
	ad, err := f.Write(after)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		var emergency *flasher.EmergencyError
		if errors.As(err, &emergency) {
			color.New(color.FgRed, color.Bold).Fprintln(os.Stderr,
				"CHIP STATE UNKNOWN: read the chip back and compare before further action")
		}
		return err
	}

	if ad.Empty() {
		fmt.Println("Chip content already matches, nothing written.")
	} else {
		fmt.Println("Flash complete.")
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	dev, geom, closer, err := openDevice()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	after, err := image.Load(args[0], geom.TotalSize, geom.ErasedValue)
	if err != nil {
		return err
	}

	f := flasher.New(dev, geom, sessionOptions(newLogger())...)

	var before []byte
	switch {
	case noDiffFlag:
		before = make([]byte, geom.TotalSize)
		for i := range before {
			before[i] = geom.ErasedValue
		}
	case beforeFlag != "":
		before, err = image.Load(beforeFlag, geom.TotalSize, geom.ErasedValue)
		if err != nil {
			return err
		}
	default:
		fmt.Println("Reading current chip contents...")
		before, err = f.ReadChip()
		if err != nil {
			return err
		}
	}

	ad, err := f.Plan(before, after)
	if err != nil {
		return err
	}
	if ad.Empty() {
		fmt.Println("Nothing to do.")
		return nil
	}
	fmt.Printf("%d processing unit(s):\n%s", len(ad.Units), ad)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	dev, geom, closer, err := openDevice()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	img, err := image.Load(args[0], geom.TotalSize, geom.ErasedValue)
	if err != nil {
		return err
	}

	f := flasher.New(dev, geom, sessionOptions(newLogger())...)
	if err := f.VerifyImage(img, executor.ScopeFull, nil); err != nil {
		return err
	}
	fmt.Printf("VERIFIED (crc16 %04x).\n", image.Fingerprint(img))
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	dev, geom, closer, err := openDevice()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	f := flasher.New(dev, geom, sessionOptions(newLogger())...)
	fmt.Println("Reading chip...")
	buf, err := f.ReadChip()
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], buf, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Printf("Read %d bytes to %s (crc16 %04x)\n", len(buf), args[0], image.Fingerprint(buf))
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	if dummyFlag {
		_, _, _, err := openDevice()
		return err
	}

	if portFlag != "" {
		result, err := detect.DetectOnPort(portFlag, baudFlag)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	}

	fmt.Println("Scanning for programmers...")
	result, err := detect.DetectDevice(baudFlag)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func printResult(r *detect.Result) {
	fmt.Printf("  Port:       %s\n", r.Port)
	if r.Programmer != "" {
		fmt.Printf("  Programmer: %s\n", r.Programmer)
	}
	fmt.Printf("  Chip:       %s %s\n", r.Chip.Vendor, r.Chip.Name)
	fmt.Printf("  JEDEC ID:   0x%06X\n", r.JEDECID)
	fmt.Printf("  Size:       %d KiB\n", r.Chip.TotalSize/1024)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
