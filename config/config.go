// Package config loads dumpstack's YAML configuration.
//
// An example file, with the default values:
//
//	walk:
//	  max_frames: 1048576
//	  max_frames_scanned: 16384
//	  scan_words: 40
//	  max_frame_gap: 131072
//	  arm_frame_pointer: r11
//	fingerprint:
//	  frames: 10
//	  system_modules: [kernelbase.dll, ntdll.dll, kernel32.dll]
//	  skip_system_modules: false
//	  fold_case: false
//	  unknown_frame: address
//	  hash: md5
//	symbols:
//	  dirs: []
//	  cache_size: 4096
//	log:
//	  level: warning
//
// A max_frames_scanned of 0 disables stack scanning. The other walk limits
// must be positive.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tombergan/dumpwalk/dumpfile"
	"github.com/tombergan/dumpwalk/fingerprint"
	"github.com/tombergan/dumpwalk/stackwalk"
	"github.com/tombergan/dumpwalk/symbols"
)

// ErrInvalid is returned by Load for well-formed files with bad values.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Walk        Walk        `yaml:"walk"`
	Fingerprint Fingerprint `yaml:"fingerprint"`
	Symbols     Symbols     `yaml:"symbols"`
	Log         Log         `yaml:"log"`
}

type Walk struct {
	MaxFrames        int    `yaml:"max_frames"`
	MaxFramesScanned int    `yaml:"max_frames_scanned"` // negative disables scanning
	ScanWords        int    `yaml:"scan_words"`
	MaxFrameGap      uint64 `yaml:"max_frame_gap"`
	ARMFramePointer  string `yaml:"arm_frame_pointer"` // "r11" or "r7"
}

type Fingerprint struct {
	Frames            int      `yaml:"frames"`
	SystemModules     []string `yaml:"system_modules"`
	SkipSystemModules bool     `yaml:"skip_system_modules"`
	FoldCase          bool     `yaml:"fold_case"`
	UnknownFrame      string   `yaml:"unknown_frame"` // "address" or "sentinel"
	Hash              string   `yaml:"hash"`          // "md5" or "xxhash64"
}

type Symbols struct {
	Dirs      []string `yaml:"dirs"`
	CacheSize int      `yaml:"cache_size"`
}

type Log struct {
	Level string `yaml:"level"` // a logrus level name
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	p := fingerprint.DefaultPolicy()
	return &Config{
		Walk: Walk{
			MaxFrames:        stackwalk.DefaultMaxFrames,
			MaxFramesScanned: stackwalk.DefaultMaxFramesScanned,
			ScanWords:        stackwalk.DefaultScanWords,
			MaxFrameGap:      stackwalk.DefaultMaxFrameGap,
			ARMFramePointer:  "r11",
		},
		Fingerprint: Fingerprint{
			Frames:        p.Frames,
			SystemModules: p.SystemModules,
			UnknownFrame:  p.UnknownFrame.String(),
			Hash:          p.Hash.String(),
		},
		Symbols: Symbols{CacheSize: symbols.DefaultCacheSize},
		Log:     Log{Level: logrus.WarnLevel.String()},
	}
}

// Load reads the file at path. Keys missing from the file keep their
// default values; unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, errors.WrapPrefix(err, path, 0)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.WrapPrefix(err, path, 0)
	}
	return c, nil
}

// Validate checks every value. The error names the first bad key.
func (c *Config) Validate() error {
	bad := func(key string, v interface{}) error {
		return errors.Errorf("%w: %s: bad value %v", ErrInvalid, key, v)
	}
	switch {
	case c.Walk.MaxFrames <= 0:
		return bad("walk.max_frames", c.Walk.MaxFrames)
	case c.Walk.ScanWords <= 0:
		return bad("walk.scan_words", c.Walk.ScanWords)
	case c.Walk.MaxFrameGap == 0:
		return bad("walk.max_frame_gap", c.Walk.MaxFrameGap)
	case c.Walk.ARMFramePointer != "r11" && c.Walk.ARMFramePointer != "r7":
		return bad("walk.arm_frame_pointer", c.Walk.ARMFramePointer)
	case c.Fingerprint.Frames <= 0:
		return bad("fingerprint.frames", c.Fingerprint.Frames)
	case c.Fingerprint.UnknownFrame != "address" && c.Fingerprint.UnknownFrame != "sentinel":
		return bad("fingerprint.unknown_frame", c.Fingerprint.UnknownFrame)
	case c.Symbols.CacheSize < 0:
		return bad("symbols.cache_size", c.Symbols.CacheSize)
	}
	if _, err := fingerprint.ParseHash(c.Fingerprint.Hash); err != nil {
		return bad("fingerprint.hash", c.Fingerprint.Hash)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return bad("log.level", c.Log.Level)
	}
	return nil
}

// WalkConfig returns the stack walker settings. FrameInfo, UnloadedModules,
// and Logger are left for the caller.
func (c *Config) WalkConfig() stackwalk.Config {
	cfg := stackwalk.Config{
		MaxFrames:        c.Walk.MaxFrames,
		MaxFramesScanned: c.Walk.MaxFramesScanned,
		ScanWords:        c.Walk.ScanWords,
		MaxFrameGap:      c.Walk.MaxFrameGap,
		ARMFramePointer:  dumpfile.ARMRegFP,
	}
	if c.Walk.MaxFramesScanned == 0 {
		// Zero in the file means no scanned frames, not the default.
		cfg.MaxFramesScanned = -1
	}
	if c.Walk.ARMFramePointer == "r7" {
		cfg.ARMFramePointer = dumpfile.ARMRegIOSFP
	}
	return cfg
}

// FingerprintPolicy returns the fingerprint settings of a validated config.
func (c *Config) FingerprintPolicy() fingerprint.Policy {
	p := fingerprint.Policy{
		Frames:            c.Fingerprint.Frames,
		SystemModules:     c.Fingerprint.SystemModules,
		SkipSystemModules: c.Fingerprint.SkipSystemModules,
		FoldCase:          c.Fingerprint.FoldCase,
	}
	if c.Fingerprint.UnknownFrame == "sentinel" {
		p.UnknownFrame = fingerprint.UnknownSentinel
	}
	p.Hash, _ = fingerprint.ParseHash(c.Fingerprint.Hash)
	return p
}

// LogLevel returns the configured level of a validated config.
func (c *Config) LogLevel() logrus.Level {
	l, _ := logrus.ParseLevel(c.Log.Level)
	return l
}
