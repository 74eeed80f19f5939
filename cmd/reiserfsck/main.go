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

	"github.com/reiserfs-tools/reiserfs/pkg/elog"
	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
	"github.com/reiserfs-tools/reiserfs/pkg/rfs/fsck"
)

var log elog.Logger

var (
	flagCheck           bool
	flagFixFixable      bool
	flagRebuildTree     bool
	flagRebuildSB       bool
	flagCleanAttributes bool
	flagRollback        bool

	flagJournalDev    string
	flagBadBlocks     string
	flagLogFile       string
	flagNoLog         bool
	flagAdjustSize    bool
	flagAssumeYes     bool
	flagScanWhole     bool
	flagExternalBmap  string
	flagPassesDump    string
	flagRollbackFile  string
	flagHash          string
	flagNoJournalAvail bool
)

var rootCmd = &cobra.Command{
	Use:   "reiserfsck <device>",
	Short: "Check and repair a ReiserFS v3 volume",
	Args:  cobra.ExactArgs(1),
	RunE:  runFsck,
}

func addFlags(f *pflag.FlagSet) {
	f.BoolVar(&flagCheck, "check", false, "check only, report what would be fixed (default)")
	f.BoolVar(&flagFixFixable, "fix-fixable", false, "fix corruption that does not require a full tree rebuild")
	f.BoolVar(&flagRebuildTree, "rebuild-tree", false, "rebuild the tree from salvaged leaves")
	f.BoolVar(&flagRebuildSB, "rebuild-sb", false, "rebuild the superblock from the journal/bitmap")
	f.BoolVar(&flagCleanAttributes, "clean-attributes", false, "clear the legacy attribute compatibility flag")
	f.BoolVar(&flagRollback, "rollback-fsck-changes", false, "undo a previous run recorded by -R")

	f.StringVarP(&flagJournalDev, "journal-device", "j", "", "path to an external journal device (recorded in the options; the passes do not open it)")
	f.StringVarP(&flagBadBlocks, "badblocks", "B", "", "file listing block numbers to treat as bad")
	f.StringVarP(&flagLogFile, "logfile", "l", "", "write log output to this file instead of stderr")
	f.BoolVarP(&flagNoLog, "no-log", "n", false, "suppress logging entirely")
	f.BoolVarP(&flagAdjustSize, "adjust-size", "z", false, "shrink stat-data size fields that overstate file length")
	f.BoolVarP(&flagAssumeYes, "yes", "y", false, "assume yes to every confirmation prompt")
	f.BoolVarP(&flagScanWhole, "scan-whole-partition", "S", false, "scan every block instead of trusting the bitmap")
	f.StringVarP(&flagExternalBmap, "external-bitmap", "b", "", "path to an external bitmap file (recorded in the options; the passes do not read it)")
	f.StringVarP(&flagPassesDump, "passes-dump", "d", "", "checkpoint/resume file for multi-pass progress")
	f.StringVarP(&flagRollbackFile, "rollback-file", "R", "", "record every block this run touches, for later rollback")
	f.StringVarP(&flagHash, "hash", "h", "", "directory hash, when the superblock doesn't already record one: rupasov|tea|r5")
	f.BoolVar(&flagNoJournalAvail, "no-journal-available", false, "accepted for compatibility; it changes nothing, since no journal device is opened")
}

func main() {
	addFlags(rootCmd.Flags())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(int(fsck.ExitOper))
	}
}

func resolveMode() (fsck.Mode, error) {
	chosen := 0
	mode := fsck.ModeCheck
	set := func(m fsck.Mode) {
		mode = m
		chosen++
	}
	if flagCheck {
		set(fsck.ModeCheck)
	}
	if flagFixFixable {
		set(fsck.ModeFixFixable)
	}
	if flagRebuildTree {
		set(fsck.ModeRebuildTree)
	}
	if flagRebuildSB {
		set(fsck.ModeRebuildSB)
	}
	if flagCleanAttributes {
		set(fsck.ModeCleanAttributes)
	}
	if flagRollback {
		set(fsck.ModeRollback)
	}
	if chosen > 1 {
		return mode, fmt.Errorf("--check, --fix-fixable, --rebuild-tree, --rebuild-sb, --clean-attributes and --rollback-fsck-changes are mutually exclusive")
	}
	return mode, nil
}

func readBadBlocks(path string) (map[uint32]bool, error) {
	out := map[uint32]bool{}
	if path == "" {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("badblocks file: %w", err)
	}
	defer f.Close()
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
		out[uint32(n)] = true
	}
	return out, scanner.Err()
}

func runFsck(cmd *cobra.Command, args []string) error {
	logger := elog.NewCLILogger(false, !flagNoLog, false)
	if !flagNoLog {
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)
	} else {
		logrus.SetLevel(logrus.PanicLevel)
	}
	log = logger
	if flagLogFile != "" && !flagNoLog {
		lf, lerr := os.OpenFile(flagLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if lerr != nil {
			return fmt.Errorf("failed to open log file: %w", lerr)
		}
		defer lf.Close()
		logrus.SetOutput(lf)
	}

	devicePath := args[0]

	mode, err := resolveMode()
	if err != nil {
		return err
	}

	if mode == fsck.ModeRollback {
		if flagRollbackFile == "" {
			return fmt.Errorf("--rollback-fsck-changes requires -R <rollback-file>")
		}
		dev, derr := rfs.OpenDevice(devicePath, false)
		if derr != nil {
			return fmt.Errorf("failed to open device: %w", derr)
		}
		defer dev.Close()
		if err := fsck.Rollback(flagRollbackFile, dev); err != nil {
			return fmt.Errorf("reiserfsck: rollback failed: %w", err)
		}
		log.Printf("rolled back changes recorded in %s", flagRollbackFile)
		return nil
	}

	if !flagAssumeYes && (mode == fsck.ModeRebuildTree || mode == fsck.ModeRebuildSB) {
		fmt.Fprintf(os.Stderr, "this will rewrite %s; continue? [y/N] ", devicePath)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			return fmt.Errorf("aborted")
		}
	}

	badBlocks, err := readBadBlocks(flagBadBlocks)
	if err != nil {
		return err
	}
	var hash rfs.HashCode
	if flagHash != "" {
		hash, err = rfs.ParseHashName(flagHash)
		if err != nil {
			return fmt.Errorf("%w -- try one of these: rupasov, tea, r5", err)
		}
	}

	readOnly := mode == fsck.ModeCheck
	dev, err := rfs.OpenDevice(devicePath, readOnly)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	opts := fsck.Options{
		Mode:               mode,
		JournalDevicePath:  flagJournalDev,
		BadBlocksFile:      flagBadBlocks,
		AdjustSize:         flagAdjustSize,
		ScanWholePartition: flagScanWhole,
		ExternalBitmap:     flagExternalBmap,
		PassesDumpPath:     flagPassesDump,
		RollbackLogPath:    flagRollbackFile,
		NoLog:              flagNoLog,
		Hash:               hash,
		AssumeYes:          flagAssumeYes,
	}

	session, err := fsck.NewSession(dev, opts, log)
	if err != nil {
		dev.Close()
		return fmt.Errorf("reiserfsck: %w", err)
	}
	session.BadBlocks = badBlocks

	code, runErr := fsck.Run(session)
	if closeErr := session.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	if runErr != nil {
		log.Errorf("reiserfsck: %v", runErr)
	}
	log.Printf("fixable=%d fatal=%d exit=%d", session.Fixable, session.Fatal, code)
	os.Exit(int(code))
	return nil
}
