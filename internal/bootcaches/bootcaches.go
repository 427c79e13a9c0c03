// Package bootcaches parses per-volume boot cache descriptors and tracks
// the bootstamp timestamps certifying helper-partition content.
//
// A descriptor file at the volume-relative [schema.BootCachesPath] names
// every artifact that must be mirrored onto the volume's helper
// partitions. The open descriptor doubles as the volume's scope
// descriptor: as long as it is held, the volume exists and is still the
// same filesystem, and every safepath mutation is checked against it.
package bootcaches

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/desertwitch/helperd/internal/schema"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"howett.net/plist"
)

// Descriptor keys, per the published format.
const (
	KeyPreBootPaths    = "PreBootPaths"
	KeyDiskLabel       = "DiskLabel"
	KeyBooterPaths     = "BooterPaths"
	KeyEFIBooter       = "EFIBooter"
	KeyOFBooter        = "OFBooter"
	KeyPostBootPaths   = "PostBootPaths"
	KeyMKext           = "MKext"
	KeyArchs           = "Archs"
	KeyExtensionsDir   = "ExtensionsDir"
	KeyPath            = "Path"
	KeyAdditionalPaths = "AdditionalPaths"
	KeyBootConfig      = "BootConfig"
)

// disrespectedUID marks volumes whose ownership is ignored; their
// descriptors are silently skipped.
const disrespectedUID = 99

// CachedPath is one canonical boot artifact on a watched volume.
type CachedPath struct {
	// RPath is the artifact's path relative to the volume root.
	RPath string

	// TSPath is the bootstamp shadow path relative to the volume root,
	// with the RPath's slashes rewritten to colons.
	TSPath string

	// Tstamps holds the live source's access and modification times as
	// captured at staleness-check time, applied to the bootstamp later.
	Tstamps [2]unix.Timespec
}

// Caches is the parsed descriptor state of one watched volume.
type Caches struct {
	Root    string
	VolUUID string
	VolName string

	// Info retains the raw descriptor dictionary (architecture lists and
	// anything else external collaborators may want).
	Info map[string]interface{}

	// Exts is the volume-relative kernel extensions directory.
	Exts string

	// Archs lists the architectures the extension cache is built for.
	Archs []string

	// RPSPaths are the artifacts updated together as one atomic set;
	// MiscPaths are advisory files updated individually.
	RPSPaths  []CachedPath
	MiscPaths []CachedPath

	// EFIBooter and OFBooter are the distinguished booter artifacts; an
	// empty RPath means the volume has no such booter.
	EFIBooter CachedPath
	OFBooter  CachedPath

	// Back-references into RPSPaths / MiscPaths (nil when absent).
	Mkext      *CachedPath
	BootConfig *CachedPath
	Label      *CachedPath

	scope *os.File
}

// ScopeFD returns the volume's scope descriptor.
func (c *Caches) ScopeFD() int {
	return int(c.scope.Fd())
}

// ScopeStat stats the scope descriptor, verifying the volume is still
// present and still the same filesystem.
func (c *Caches) ScopeStat() (unix.Stat_t, error) {
	var sb unix.Stat_t

	if err := unix.Fstat(c.ScopeFD(), &sb); err != nil {
		return sb, fmt.Errorf("(bootcaches) failed to stat scope: %w", err)
	}

	return sb, nil
}

// Close releases the scope descriptor.
func (c *Caches) Close() error {
	if c.scope == nil {
		return nil
	}

	return c.scope.Close()
}

type osProvider interface {
	Open(name string) (*os.File, error)
	Stat(name string) (os.FileInfo, error)
}

type unixProvider interface {
	Fstat(fd int, stat *unix.Stat_t) error
	Stat(path string, stat *unix.Stat_t) error
	Futimens(fd int, times *[2]unix.Timespec) error
}

type safePather interface {
	Open(fdvol int, path string, flags int, mode uint32) (*os.File, error)
	Unlink(fdvol int, path string) error
	DeepMkdir(fdvol int, path string, mode uint32) error
}

// volumeInfoProvider resolves a device id to the volume's UUID and
// human-readable label (disk arbitration).
type volumeInfoProvider interface {
	VolumeInfo(dev uint64) (uuidStr string, label string, err error)
}

// Handler reads descriptors and manages bootstamps.
type Handler struct {
	osHandler   osProvider
	unixHandler unixProvider
	safeHandler safePather
	arbHandler  volumeInfoProvider
}

// NewHandler returns a pointer to a new [Handler].
func NewHandler(osHandler osProvider, unixHandler unixProvider, safeHandler safePather, arbHandler volumeInfoProvider) *Handler {
	return &Handler{
		osHandler:   osHandler,
		unixHandler: unixHandler,
		safeHandler: safeHandler,
		arbHandler:  arbHandler,
	}
}

// stampPath derives the bootstamp shadow path for a relative path.
func stampPath(uuidStr string, rpath string) string {
	return schema.StampCacheDir + uuidStr + "/" + strings.ReplaceAll(rpath, "/", ":")
}

// newCachedPath fills a [CachedPath] from a descriptor-relative path.
func newCachedPath(uuidStr string, rpath string) (CachedPath, error) {
	cpath := CachedPath{
		RPath:  rpath,
		TSPath: stampPath(uuidStr, rpath),
	}

	if len(cpath.RPath) >= unix.PathMax || len(cpath.TSPath) >= unix.PathMax {
		return CachedPath{}, fmt.Errorf("(bootcaches) %s: %w", rpath, ErrPathTooLong)
	}

	return cpath, nil
}

// ReadCaches checks for and reads a volume's descriptor file. Volumes
// without a descriptor, and volumes with disrespected ownership, yield
// (nil, nil): they are simply not interesting.
func (h *Handler) ReadCaches(rootpath string) (*Caches, error) {
	var bcsb unix.Stat_t

	scope, err := h.osHandler.Open(filepath.Join(rootpath, schema.BootCachesPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("(bootcaches) failed to open descriptor: %w", err)
	}

	success := false
	defer func() {
		if !success {
			scope.Close()
		}
	}()

	if err := h.unixHandler.Fstat(int(scope.Fd()), &bcsb); err != nil {
		return nil, fmt.Errorf("(bootcaches) failed to stat descriptor: %w", err)
	}

	if bcsb.Uid != 0 {
		if bcsb.Uid == disrespectedUID {
			return nil, nil
		}

		return nil, fmt.Errorf("(bootcaches) %w", ErrNotOwnedByRoot)
	}
	if bcsb.Mode&unix.S_IWGRP != 0 || bcsb.Mode&unix.S_IWOTH != 0 {
		return nil, fmt.Errorf("(bootcaches) %w", ErrWritableDescriptor)
	}

	buf, err := io.ReadAll(scope)
	if err != nil {
		return nil, fmt.Errorf("(bootcaches) failed to read descriptor: %w", err)
	}

	var bcDict map[string]interface{}
	if _, err := plist.Unmarshal(buf, &bcDict); err != nil {
		return nil, fmt.Errorf("(bootcaches) %w: %w", ErrNotDictionary, err)
	}

	uuidRaw, volName, err := h.arbHandler.VolumeInfo(bcsb.Dev)
	if err != nil {
		return nil, fmt.Errorf("(bootcaches) failed to get volume info: %w", err)
	}

	volUUID, err := uuid.Parse(uuidRaw)
	if err != nil {
		return nil, fmt.Errorf("(bootcaches) failed to parse volume UUID: %w", err)
	}
	uuidStr := strings.ToUpper(volUUID.String())

	// make sure the bootstamp directory exists on the volume
	bspath := filepath.Join(rootpath, schema.StampCacheDir, uuidStr)
	if _, err := h.osHandler.Stat(bspath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("(bootcaches) failed to stat bootstamp dir: %w", err)
		}
		if err := h.safeHandler.DeepMkdir(int(scope.Fd()), bspath, schema.StampDirMask); err != nil {
			return nil, fmt.Errorf("(bootcaches) failed to create bootstamp dir: %w", err)
		}
	}

	caches, err := parseDict(bcDict, rootpath, uuidStr, volName)
	if err != nil {
		return nil, err
	}

	caches.scope = scope
	success = true

	slog.Debug("Parsed boot cache descriptor",
		"volume", rootpath,
		"uuid", uuidStr,
		"rps", len(caches.RPSPaths),
		"misc", len(caches.MiscPaths),
	)

	return caches, nil
}

// parseDict turns the descriptor dictionary into a [Caches]. A running
// counter tracks every consumed key; any residue rejects the descriptor.
func parseDict(bcDict map[string]interface{}, rootpath string, uuidStr string, volName string) (*Caches, error) {
	caches := &Caches{
		Root:    rootpath,
		VolUUID: uuidStr,
		VolName: volName,
		Info:    bcDict,
	}

	keyCount := len(bcDict)

	if raw, ok := bcDict[KeyPreBootPaths]; ok {
		dict, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("(bootcaches) %s: %w", KeyPreBootPaths, ErrNotDictionary)
		}
		keyCount += len(dict)

		nmisc := len(dict)

		if raw, ok := dict[KeyAdditionalPaths]; ok {
			apaths, err := stringSlice(raw)
			if err != nil {
				return nil, err
			}
			nmisc += len(apaths) - 1 // replacing the array in the count

			caches.MiscPaths = make([]CachedPath, 0, nmisc)
			for _, rpath := range apaths {
				cpath, err := newCachedPath(uuidStr, rpath)
				if err != nil {
					return nil, err
				}
				caches.MiscPaths = append(caches.MiscPaths, cpath)
			}
			keyCount--
		} else {
			caches.MiscPaths = make([]CachedPath, 0, nmisc)
		}

		if raw, ok := dict[KeyDiskLabel]; ok {
			rpath, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("(bootcaches) %s: %w", KeyDiskLabel, ErrUnknownKeys)
			}
			cpath, err := newCachedPath(uuidStr, rpath)
			if err != nil {
				return nil, err
			}
			caches.MiscPaths = append(caches.MiscPaths, cpath)
			caches.Label = &caches.MiscPaths[len(caches.MiscPaths)-1]
			keyCount--
		}

		keyCount-- // preboot dict itself
	}

	if raw, ok := bcDict[KeyBooterPaths]; ok {
		dict, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("(bootcaches) %s: %w", KeyBooterPaths, ErrNotDictionary)
		}
		keyCount += len(dict)

		if raw, ok := dict[KeyEFIBooter]; ok {
			rpath, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("(bootcaches) %s: %w", KeyEFIBooter, ErrUnknownKeys)
			}
			cpath, err := newCachedPath(uuidStr, rpath)
			if err != nil {
				return nil, err
			}
			caches.EFIBooter = cpath
			keyCount--
		}

		if raw, ok := dict[KeyOFBooter]; ok {
			rpath, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("(bootcaches) %s: %w", KeyOFBooter, ErrUnknownKeys)
			}
			cpath, err := newCachedPath(uuidStr, rpath)
			if err != nil {
				return nil, err
			}
			caches.OFBooter = cpath
			keyCount--
		}

		keyCount-- // booters dict itself
	}

	if raw, ok := bcDict[KeyPostBootPaths]; ok {
		dict, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("(bootcaches) %s: %w", KeyPostBootPaths, ErrNotDictionary)
		}
		keyCount += len(dict)

		nrps := len(dict)

		if raw, ok := dict[KeyAdditionalPaths]; ok {
			apaths, err := stringSlice(raw)
			if err != nil {
				return nil, err
			}
			nrps += len(apaths) - 1

			caches.RPSPaths = make([]CachedPath, 0, nrps)
			for _, rpath := range apaths {
				cpath, err := newCachedPath(uuidStr, rpath)
				if err != nil {
					return nil, err
				}
				caches.RPSPaths = append(caches.RPSPaths, cpath)
			}
			keyCount--
		} else {
			caches.RPSPaths = make([]CachedPath, 0, nrps)
		}

		if raw, ok := dict[KeyBootConfig]; ok {
			rpath, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("(bootcaches) %s: %w", KeyBootConfig, ErrUnknownKeys)
			}
			cpath, err := newCachedPath(uuidStr, rpath)
			if err != nil {
				return nil, err
			}
			caches.RPSPaths = append(caches.RPSPaths, cpath)
			caches.BootConfig = &caches.RPSPaths[len(caches.RPSPaths)-1]
			keyCount--
		}

		if raw, ok := dict[KeyMKext]; ok {
			mkDict, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("(bootcaches) %s: %w", KeyMKext, ErrNotDictionary)
			}

			rpath, ok := mkDict[KeyPath].(string)
			if !ok {
				return nil, fmt.Errorf("(bootcaches) %s: %w", KeyPath, ErrUnknownKeys)
			}
			cpath, err := newCachedPath(uuidStr, rpath)
			if err != nil {
				return nil, err
			}
			caches.RPSPaths = append(caches.RPSPaths, cpath)
			caches.Mkext = &caches.RPSPaths[len(caches.RPSPaths)-1]

			if raw, ok := mkDict[KeyExtensionsDir]; ok {
				exts, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("(bootcaches) %s: %w", KeyExtensionsDir, ErrUnknownKeys)
				}
				caches.Exts = exts
			}

			if raw, ok := mkDict[KeyArchs]; ok {
				archs, err := stringSlice(raw)
				if err != nil {
					return nil, err
				}
				caches.Archs = archs
			}

			keyCount--
		}

		keyCount-- // postboot dict itself
	}

	if keyCount != 0 {
		return nil, fmt.Errorf("(bootcaches) %w", ErrUnknownKeys)
	}

	return caches, nil
}

// stringSlice coerces a decoded plist array into a string slice.
func stringSlice(raw interface{}) ([]string, error) {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("(bootcaches) %s: %w", KeyAdditionalPaths, ErrUnknownKeys)
	}

	strs := make([]string, 0, len(arr))
	for _, el := range arr {
		str, ok := el.(string)
		if !ok {
			return nil, fmt.Errorf("(bootcaches) %s: %w", KeyAdditionalPaths, ErrUnknownKeys)
		}
		strs = append(strs, str)
	}

	return strs, nil
}
