// Package kernelcache derives the on-disk P-ISA kernel cache: deterministic
// cache-key filenames, at-most-one generator invocation per key via
// per-key locking, and atomic writes so concurrent readers never observe a
// torn cache entry.
package kernelcache

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/luxfi/pisa-lower/internal/instr"
	"github.com/luxfi/pisa-lower/internal/pisaerr"
)

// Key identifies a cache entry: scheme, op, shape, and op-specific extra
// parameters, in the order the generator expects them.
type Key struct {
	Scheme      string
	Op          string
	N           uint32
	NumRNS      uint32
	NumPolyPart uint32
	Extra       []string
}

// Filename derives the deterministic cache filename for k: lower-cased
// scheme, joined with op and shape fields, spaces replaced with
// underscores, dot-CSV extension.
func (k Key) Filename() string {
	parts := []string{
		strings.ToLower(k.Scheme),
		k.Op,
		strconv.FormatUint(uint64(k.N), 10),
		strconv.FormatUint(uint64(k.NumRNS), 10),
		strconv.FormatUint(uint64(k.NumPolyPart), 10),
	}
	parts = append(parts, k.Extra...)
	name := strings.Join(parts, "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name + ".csv"
}

// Protocol selects the kernel generator's invocation convention.
type Protocol int

const (
	// ProtocolNew feeds CONTEXT/DATA/opcode lines on stdin and reads a CSV
	// P-ISA stream from stdout.
	ProtocolNew Protocol = iota
	// ProtocolLegacy invokes the generator with positional CLI arguments:
	// <scheme> <op> <N> <rns> <extra-params...>.
	ProtocolLegacy
)

// GenRequest describes one kernel-generation invocation.
type GenRequest struct {
	Key         Key
	Protocol    Protocol
	GeneratorPath string
	CurrentRNS  uint32 // for the new protocol's CONTEXT line
	Timeout     time.Duration // 0 = unbounded
}

// Cache is the on-disk kernel cache. Dir is created on demand. A per-key
// mutex guarantees at-most-one generator invocation per key: concurrent
// callers for the same key serialize, and losers of the race simply read
// the file the winner wrote.
type Cache struct {
	Dir     string
	Disable bool // -dc: bypass the cache entirely, always regenerate

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCache returns a Cache rooted at dir. dir is created lazily on first
// write, not here.
func NewCache(dir string, disable bool) *Cache {
	return &Cache{Dir: dir, Disable: disable, locks: make(map[string]*sync.Mutex)}
}

func (c *Cache) lockFor(filename string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[filename]
	if !ok {
		l = &sync.Mutex{}
		c.locks[filename] = l
	}
	return l
}

// Get returns the Kernel for req, generating it on a cache miss. Readers
// for the same key while a generation is in flight block on the per-key
// lock rather than racing the generator.
func (c *Cache) Get(ctx context.Context, req GenRequest) (*instr.Kernel, error) {
	filename := req.Key.Filename()
	path := filepath.Join(c.Dir, filename)

	if c.Disable {
		data, err := c.generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return parseKernel(filename, data)
	}

	lock := c.lockFor(filename)
	lock.Lock()
	defer lock.Unlock()

	wantDigest := contentDigest(req)
	if data, err := os.ReadFile(path); err == nil {
		if digestMatches(path, wantDigest) {
			if k, perr := parseKernel(filename, data); perr == nil {
				return k, nil
			}
		}
		// A missing/mismatched digest file or an unparseable entry is
		// treated as a soft miss: fall through and regenerate rather than
		// propagating a stale or corrupt cache file to the caller.
	}

	data, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "write kernel cache entry", err)
	}
	if err := writeAtomic(digestPath(path), []byte(wantDigest)); err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "write kernel cache digest", err)
	}
	return parseKernel(filename, data)
}

// contentDigest returns the hex-encoded blake2b-256 digest of the exact
// generator invocation payload for req: the new protocol's CONTEXT/DATA/
// opcode stdin, or the legacy protocol's positional argument list. Two
// requests that would invoke the generator identically always produce
// the same digest, letting Get detect a cache file that no longer
// matches the request that would have produced it (a stale entry left
// over from a filename collision, or on-disk corruption) without
// touching the deterministic filename contract itself.
func contentDigest(req GenRequest) string {
	var payload string
	switch req.Protocol {
	case ProtocolLegacy:
		payload = strings.Join(legacyArgs(req.Key), "\x00")
	default:
		payload = newProtocolStdin(req)
	}
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func digestPath(cachePath string) string { return cachePath + ".digest" }

// digestMatches reports whether the on-disk digest file for cachePath
// exists and equals want. A missing digest file (an entry written before
// this check existed) is not treated as a mismatch: absence means
// "unknown", not "corrupt".
func digestMatches(cachePath, want string) bool {
	data, err := os.ReadFile(digestPath(cachePath))
	if err != nil {
		return true
	}
	return string(data) == want
}

func parseKernel(filename string, data []byte) (*instr.Kernel, error) {
	instructions, err := instr.ParseCSV(bytes.NewReader(data))
	if err != nil {
		return nil, pisaerr.Wrap(pisaerr.KernelGenFailure, "parse generator output for "+filename, err)
	}
	return instr.NewKernel(kernelIDFromFilename(filename), instructions), nil
}

// kernelIDFromFilename derives a stable small integer id from the cache
// filename so successive Get calls for the same key produce the same
// Kernel.ID (namespacing prefixes use this id to stay deterministic
// across runs).
func kernelIDFromFilename(filename string) int {
	h := 0
	for _, b := range []byte(filename) {
		h = h*31 + int(b)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// generate invokes the external kernel generator and returns its raw CSV
// P-ISA stdout. A non-zero exit, a timeout, or an I/O failure on the
// pipes is reported as KernelGenFailure; stdout is not parsed here, only
// captured, so an unparseable stream surfaces as a KernelGenFailure from
// Get's subsequent parseKernel rather than from this function.
func (c *Cache) generate(ctx context.Context, req GenRequest) ([]byte, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	switch req.Protocol {
	case ProtocolNew:
		cmd = exec.CommandContext(ctx, req.GeneratorPath)
		cmd.Stdin = strings.NewReader(newProtocolStdin(req))
	case ProtocolLegacy:
		args := legacyArgs(req.Key)
		cmd = exec.CommandContext(ctx, req.GeneratorPath, args...)
	default:
		return nil, pisaerr.New(pisaerr.KernelGenFailure, "unknown generator protocol")
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, pisaerr.New(pisaerr.KernelGenFailure, fmt.Sprintf("generator timed out for %s", req.Key.Filename()))
	}
	if err != nil {
		return nil, pisaerr.Wrap(pisaerr.KernelGenFailure,
			fmt.Sprintf("generator exited for %s: %s", req.Key.Filename(), strings.TrimSpace(stderr.String())), err)
	}
	return stdout.Bytes(), nil
}

// newProtocolStdin renders the new kerngen stdin protocol: a CONTEXT
// line, a DATA line per named operand, and the opcode line.
func newProtocolStdin(req GenRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONTEXT %s %d %d %d\n", strings.ToLower(req.Key.Scheme), req.Key.N, req.Key.NumRNS, req.CurrentRNS)
	fmt.Fprintf(&b, "DATA %s %d\n", req.Key.Op, req.Key.NumPolyPart)
	// Operand substitution into the opcode line happens in KernelSplicer
	// once the kernel is named into the enclosing program, not here: the
	// cache key is shape-only, so generation requests a template kernel
	// with its own placeholder operand names.
	fmt.Fprintf(&b, "%s\n", strings.ToUpper(req.Key.Op))
	return b.String()
}

// legacyArgs renders the legacy/HDF positional CLI protocol:
// <scheme> <op> <N> <rns> <extra-params...>.
func legacyArgs(k Key) []string {
	args := []string{
		strings.ToLower(k.Scheme),
		k.Op,
		strconv.FormatUint(uint64(k.N), 10),
		strconv.FormatUint(uint64(k.NumRNS), 10),
	}
	return append(args, k.Extra...)
}

// RemoveAll best-effort deletes the cache directory, used by --remove_cache
// on shutdown; errors are not fatal to the caller.
func (c *Cache) RemoveAll() error {
	return os.RemoveAll(c.Dir)
}
