package symbols

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
	"github.com/tombergan/dumpwalk/stackwalk"
)

// DefaultCacheSize is the number of decoded rule sets a Store keeps.
const DefaultCacheSize = 4096

// Store indexes symbol files by module and answers frame-info queries.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	byDebug map[string][]*File // by debug file base name
	byCode  map[string]*File   // by code file base name

	cache *lru.Cache // cacheKey -> *cfi.Rules, nil for misses
	log   logrus.FieldLogger
}

type cacheKey struct {
	module  *dumpfile.Module
	address uint64
}

// NewStore returns an empty store caching up to cacheSize rule sets.
// A cacheSize of zero or less selects DefaultCacheSize.
func NewStore(cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &Store{
		byDebug: make(map[string][]*File),
		byCode:  make(map[string]*File),
		cache:   cache,
		log:     dumpfile.Log.WithField("component", "symbols"),
	}, nil
}

// Add indexes f. Later files with the same names do not replace earlier ones.
func (s *Store) Add(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.DebugFile != "" {
		name := baseName(f.DebugFile)
		s.byDebug[name] = append(s.byDebug[name], f)
	}
	if f.CodeFile != "" {
		name := baseName(f.CodeFile)
		if _, ok := s.byCode[name]; !ok {
			s.byCode[name] = f
		}
	}
	s.cache.Purge()
}

// Load parses and adds the symbol file at path. Files ending in ".zst"
// are decompressed first.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return errors.Wrap(err, 0)
		}
		data, err = dec.DecodeAll(data, nil)
		dec.Close()
		if err != nil {
			return errors.WrapPrefix(err, "decompress "+path, 0)
		}
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return errors.WrapPrefix(err, path, 0)
	}
	s.log.WithFields(logrus.Fields{
		"path":    path,
		"module":  f.DebugFile,
		"records": f.NumRecords(),
	}).Debug("loaded symbols")
	s.Add(f)
	return nil
}

// LoadDir loads every *.sym and *.sym.zst file under dir. Files that fail
// to parse are logged and skipped; I/O errors stop the walk.
func (s *Store) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(err, 0)
		}
		if d.IsDir() || !(strings.HasSuffix(path, ".sym") || strings.HasSuffix(path, ".sym.zst")) {
			return nil
		}
		if err := s.Load(path); err != nil {
			if errors.Is(err, ErrBadSymbolFile) {
				s.log.Warnf("skipping %s: %v", path, err)
				return nil
			}
			return err
		}
		return nil
	})
}

// Lookup returns the symbol file for module. Files are matched by debug
// file name, preferring a matching debug identifier, then by code file name.
func (s *Store) Lookup(module *dumpfile.Module) (*File, bool) {
	if module == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if module.DebugFile != "" {
		files := s.byDebug[baseName(module.DebugFile)]
		for _, f := range files {
			if module.DebugID == "" || strings.EqualFold(f.DebugID, module.DebugID) {
				return f, true
			}
		}
	}
	if f, ok := s.byCode[baseName(module.Path)]; ok {
		return f, true
	}
	if files := s.byDebug[baseName(module.Path)]; len(files) > 0 {
		return files[0], true
	}
	return nil, false
}

// FindFrameInfo implements stackwalk.FrameInfoResolver. The returned rules
// are shared and must not be modified.
func (s *Store) FindFrameInfo(module *dumpfile.Module, address uint64) (*cfi.Rules, bool) {
	if module == nil || !module.Contains(address) {
		return nil, false
	}
	key := cacheKey{module, address}
	if v, ok := s.cache.Get(key); ok {
		rules := v.(*cfi.Rules)
		return rules, rules != nil
	}
	var rules *cfi.Rules
	if f, ok := s.Lookup(module); ok {
		var err error
		rules, err = f.FindFrameInfo(address - module.Base)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"module":  f.DebugFile,
				"address": address,
			}).Warnf("corrupt CFI: %v", err)
			rules = nil
		}
	}
	s.cache.Add(key, rules)
	return rules, rules != nil
}

// SymbolStatus implements stackwalk.SymbolReporter. A symbol file with any
// unparsable STACK CFI record is reported as corrupt.
func (s *Store) SymbolStatus(module *dumpfile.Module) stackwalk.SymbolStatus {
	f, ok := s.Lookup(module)
	if !ok {
		return stackwalk.SymbolsMissing
	}
	if err := f.Check(); err != nil {
		s.log.WithField("module", f.DebugFile).Debugf("corrupt symbols: %v", err)
		return stackwalk.SymbolsCorrupt
	}
	return stackwalk.SymbolsLoaded
}

// baseName strips directories using both '/' and '\' separators, so that
// Windows module paths resolve on any host.
func baseName(path string) string {
	if k := strings.LastIndexAny(path, `/\`); k >= 0 {
		return path[k+1:]
	}
	return path
}
