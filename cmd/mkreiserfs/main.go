package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/google/uuid"
	"github.com/reiserfs-tools/reiserfs/pkg/elog"
	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

var log elog.Logger

var (
	flagBlockSize   uint32
	flagJournalDev  string
	flagJournalSize uint32
	flagBadBlocks   string
	flagHash        string
	flagUUID        string
	flagLabel       string
	flagFormat      string
	flagForce       bool
	flagQuiet       bool
)

var rootCmd = &cobra.Command{
	Use:   "mkreiserfs <device> [block-count]",
	Short: "Create a new ReiserFS v3 volume",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runMkfs,
}

func addFlags(f *pflag.FlagSet) {
	f.Uint32VarP(&flagBlockSize, "block-size", "b", 4096, "block size in bytes")
	f.StringVarP(&flagJournalDev, "journal-device", "j", "", "path to an external journal device")
	f.Uint32VarP(&flagJournalSize, "journal-size", "s", 0, "journal size in blocks (0 selects the default)")
	f.Uint32P("journal-offset", "o", 0, "block offset of an external journal (currently advisory only)")
	f.Uint32P("trans-max", "t", 0, "max transaction length (currently advisory only)")
	f.StringVarP(&flagBadBlocks, "badblocks", "B", "", "file listing block numbers to pre-mark unusable")
	f.StringVarP(&flagHash, "hash", "h", "r5", "directory hash: rupasov|tea|r5")
	f.StringVarP(&flagUUID, "uuid", "u", "", "volume UUID (random if unset)")
	f.StringVarP(&flagLabel, "label", "l", "", "volume label")
	f.StringVar(&flagFormat, "format", "3.6", "on-disk format: 3.5|3.6")
	f.BoolVarP(&flagForce, "force", "f", false, "format even if the device looks like it holds a filesystem")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
}

func main() {
	addFlags(rootCmd.Flags())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseFormat(s string) (rfs.FormatVersion, error) {
	switch s {
	case "3.5":
		return rfs.Format35, nil
	case "3.6", "":
		return rfs.Format36, nil
	default:
		return 0, fmt.Errorf("unknown --format %q -- try one of these: 3.5, 3.6", s)
	}
}

func readBadBlocks(path string) ([]uint32, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("badblocks file: %w", err)
	}
	defer f.Close()

	var blocks []uint32
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("badblocks file: invalid block number %q", line)
		}
		blocks = append(blocks, uint32(n))
	}
	return blocks, scanner.Err()
}

// ensureDeviceSize creates or truncates a plain file to hold blockCount
// blocks of blockSize bytes each. Block special files are left untouched —
// their size comes from the kernel, not from this tool.
func ensureDeviceSize(path string, blockCount uint64, blockSize uint32) error {
	fi, err := os.Stat(path)
	if err == nil && fi.Mode()&os.ModeDevice != 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(blockCount) * int64(blockSize))
}

func runMkfs(cmd *cobra.Command, args []string) error {
	logger := elog.NewCLILogger(false, !flagQuiet, false)
	logrus.SetFormatter(logger)
	logrus.SetLevel(logrus.TraceLevel)
	log = logger

	devicePath := args[0]

	format, err := parseFormat(flagFormat)
	if err != nil {
		return err
	}
	hash, err := rfs.ParseHashName(flagHash)
	if err != nil {
		return fmt.Errorf("%w -- try one of these: rupasov, tea, r5", err)
	}
	badBlocks, err := readBadBlocks(flagBadBlocks)
	if err != nil {
		return err
	}

	if len(args) == 2 {
		blockCount, perr := strconv.ParseUint(args[1], 10, 32)
		if perr != nil {
			return fmt.Errorf("invalid block-count %q", args[1])
		}
		if err := ensureDeviceSize(devicePath, blockCount, flagBlockSize); err != nil {
			return fmt.Errorf("failed to size device: %w", err)
		}
	} else if _, statErr := os.Stat(devicePath); os.IsNotExist(statErr) {
		return fmt.Errorf("%s does not exist; pass a block-count to create it", devicePath)
	}

	if !flagForce {
		if existing, oerr := rfs.OpenDevice(devicePath, true); oerr == nil {
			if _, serr := rfs.OpenSuperblock(existing); serr == nil {
				existing.Close()
				return fmt.Errorf("%s already holds a ReiserFS volume (use -f to overwrite)", devicePath)
			}
			existing.Close()
		}
	}

	dev, err := rfs.OpenDevice(devicePath, false)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	opts := rfs.FormatOptions{
		BlockSize:       flagBlockSize,
		Format:          format,
		Hash:            hash,
		JournalSize:     flagJournalSize,
		RelocateJournal: flagJournalDev != "",
		Label:           flagLabel,
		BadBlocks:       badBlocks,
	}

	session, err := rfs.CreateVolume(dev, opts, log)
	if err != nil {
		dev.Close()
		return fmt.Errorf("mkreiserfs: %w", err)
	}

	if flagUUID != "" {
		u, perr := uuid.Parse(flagUUID)
		if perr != nil {
			session.Close()
			return fmt.Errorf("invalid --uuid: %w", perr)
		}
		session.Super.UUID = u
	}

	if err := session.Close(); err != nil {
		return fmt.Errorf("mkreiserfs: %w", err)
	}

	if !flagQuiet {
		log.Printf("created %s-byte-block ReiserFS v%s volume on %s", fmt.Sprint(flagBlockSize), flagFormat, devicePath)
	}
	return nil
}
