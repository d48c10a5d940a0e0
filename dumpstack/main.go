// Command dumpstack prints the call stacks of every thread in a core file.
//
// Usage:
//
//	dumpstack [flags] corefile
//
// Stacks are recovered with call frame information from Breakpad symbol
// files when -symbols names a directory of them, and otherwise by following
// frame pointers and scanning the stack. The output starts with the crash
// signature used to group reports of the same crash.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tombergan/dumpwalk/config"
	"github.com/tombergan/dumpwalk/dumpfile"
	"github.com/tombergan/dumpwalk/symbols"
)

var (
	configFile  = flag.String("config", "", "YAML configuration file")
	debugLevel  = flag.Int("debuglevel", 0, "debug verbosity level")
	symbolDirs  = flag.String("symbols", "", "comma-separated directories of Breakpad symbol files")
	threadIndex = flag.Int("thread", -1, "print only the thread with this index")
	whereExpr   = flag.String("where", "", "print only frames matching this expression over index, trust, module, offset, address")
	disasm      = flag.Bool("disasm", false, "disassemble the crashing instruction")
	listModules = flag.Bool("modules", false, "print the loaded modules")
)

var log = dumpfile.Log

func usage() {
	fmt.Fprintf(os.Stderr, "usage: dumpstack [flags] corefile\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatal(err)
		}
	}
	log.SetLevel(cfg.LogLevel())
	switch {
	case *debugLevel >= 2:
		log.SetLevel(logrus.TraceLevel)
	case *debugLevel == 1:
		log.SetLevel(logrus.DebugLevel)
	}

	opts := options{
		thread:  *threadIndex,
		disasm:  *disasm,
		modules: *listModules,
	}
	if *whereExpr != "" {
		f, err := newFrameFilter(*whereExpr)
		if err != nil {
			log.Fatal(err)
		}
		opts.where = f
	}

	walkCfg := cfg.WalkConfig()
	walkCfg.Logger = log
	dirs := cfg.Symbols.Dirs
	if *symbolDirs != "" {
		dirs = append(dirs, strings.Split(*symbolDirs, ",")...)
	}
	if len(dirs) > 0 {
		store, err := symbols.NewStore(cfg.Symbols.CacheSize)
		if err != nil {
			log.Fatal(err)
		}
		for _, dir := range dirs {
			if err := store.LoadDir(dir); err != nil {
				log.Fatal(err)
			}
		}
		walkCfg.FrameInfo = store
	}

	snap, err := dumpfile.Open(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer snap.Close()

	if err := report(os.Stdout, snap, walkCfg, cfg.FingerprintPolicy(), opts); err != nil {
		log.Error(err)
		snap.Close()
		os.Exit(1)
	}
}
