// Command pisa-lower lowers an FHE polynomial-program trace into a P-ISA
// instruction stream and its accompanying memory manifest.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	pisa "github.com/luxfi/pisa-lower"
	"github.com/luxfi/pisa-lower/internal/config"
	"github.com/luxfi/pisa-lower/internal/emitter"
	"github.com/luxfi/pisa-lower/internal/graphopt"
	"github.com/luxfi/pisa-lower/internal/kernelcache"
	"github.com/luxfi/pisa-lower/internal/pisaerr"
	"github.com/luxfi/pisa-lower/internal/polyprogram"
	"github.com/luxfi/pisa-lower/internal/traceio"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if _, ok := err.(*pisaerr.Error); ok {
			fmt.Fprintln(os.Stderr, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("pisa-lower", flag.ContinueOnError)

	verbose := fs.Bool("v", false, "verbose output, including the instruction profile")
	exportDot := fs.Bool("export_dot", false, "write the instruction data-flow graph as Graphviz DOT")
	removeCache := fs.Bool("remove_cache", false, "delete the kernel cache directory on exit")
	banks := fs.Bool("banks", false, "emit _bank0 memory-bank suffixes")
	exportTrace := fs.Bool("export_trace", false, "round-trip the trace CSV<->binary before lowering")
	disableIntermediates := fs.Bool("ei", false, "disable namespacing of kernel-internal intermediates")
	disableGraph := fs.Bool("g", false, "disable graph build; emit spliced kernels in op order")
	disableNamespacing := fs.Bool("n", false, "disable kernel namespacing")
	disableCache := fs.Bool("dc", false, "disable kernel cache, always regenerate")

	cacheDir := fs.String("cache_dir", "", "kernel cache directory")
	outDir := fs.String("out_dir", "", "output directory for the emitted artifacts (default \".\")")
	generatedJSON := fs.String("generated_json", "", "write a JSON manifest of generated kernel cache keys to this path")
	kernelLibrary := fs.String("kernel_library", "", "kernel generator protocol: CSV or HDF (default CSV)")
	configPath := fs.String("config", "", "optional YAML config file supplementing flags")
	timeout := fs.Duration("timeout", 0, "kernel generator timeout, 0 = unbounded")

	if err := fs.Parse(args); err != nil {
		return pisaerr.Wrap(pisaerr.InputError, "parse flags", err)
	}
	if fs.NArg() < 2 {
		return pisaerr.New(pisaerr.InputError, "usage: pisa-lower <trace> <kerngen_path>")
	}
	tracePath := fs.Arg(0)
	kerngenPath := fs.Arg(1)

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	flagCfg := &config.Config{
		CacheDir:      *cacheDir,
		OutDir:        *outDir,
		KernelLibrary: *kernelLibrary,
		Banks:         *banks,
		GeneratedJSON: *generatedJSON,
	}
	config.ApplyDefaults(flagCfg, fileCfg)
	if flagCfg.OutDir == "" {
		flagCfg.OutDir = "."
	}

	var protocol kernelcache.Protocol
	switch strings.ToUpper(flagCfg.KernelLibrary) {
	case "CSV", "":
		protocol = kernelcache.ProtocolNew
	case "HDF":
		protocol = kernelcache.ProtocolLegacy
	default:
		return pisaerr.New(pisaerr.InputError, fmt.Sprintf("unknown kernel_library %q", flagCfg.KernelLibrary))
	}

	pp, err := readTrace(tracePath, *exportTrace, *verbose)
	if err != nil {
		return err
	}

	ctx := context.Background()
	lowered, err := pisa.Lower(ctx, pp, pisa.LowerOptions{
		CacheDir:           flagCfg.CacheDir,
		DisableCache:       *disableCache,
		RemoveCache:        *removeCache,
		GeneratorPath:      kerngenPath,
		Protocol:           protocol,
		Timeout:            *timeout,
		DisableNamespacing: *disableIntermediates || *disableNamespacing,
		DisableGraph:       *disableGraph,
	})
	if err != nil {
		return err
	}
	final := lowered.Instructions
	generated := lowered.Generated

	prefix := strings.TrimSuffix(filepath.Base(tracePath), filepath.Ext(tracePath))
	if err := os.MkdirAll(flagCfg.OutDir, 0750); err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "create out_dir", err)
	}

	csvPath := filepath.Join(flagCfg.OutDir, prefix+".csv")
	csvFile, err := os.Create(csvPath)
	if err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "create P-ISA output", err)
	}
	defer csvFile.Close()
	if err := emitter.EmitPISA(csvFile, final, emitter.Options{Banks: flagCfg.Banks}); err != nil {
		return err
	}

	memPath := filepath.Join(flagCfg.OutDir, prefix+".tw.mem")
	memFile, err := os.Create(memPath)
	if err != nil {
		return pisaerr.Wrap(pisaerr.IoError, "create memory manifest", err)
	}
	defer memFile.Close()
	if err := emitter.EmitMemoryManifest(memFile, final, pp); err != nil {
		return err
	}

	if *exportDot {
		g, err := graphopt.NewGraph(final)
		if err != nil {
			return err
		}
		dotFile, err := os.Create(filepath.Join(flagCfg.OutDir, prefix+".dot"))
		if err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "create dot output", err)
		}
		defer dotFile.Close()
		if err := g.WriteDot(dotFile); err != nil {
			return err
		}
	}

	if flagCfg.GeneratedJSON != "" {
		data, err := json.MarshalIndent(generated, "", "  ")
		if err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "marshal generated_json", err)
		}
		if err := os.WriteFile(flagCfg.GeneratedJSON, data, 0644); err != nil {
			return pisaerr.Wrap(pisaerr.IoError, "write generated_json", err)
		}
	}

	if *verbose {
		log.Printf("lowered %d operations into %d instructions", len(pp.Ops), len(final))
		if err := printProfile(os.Stderr, final); err != nil {
			return err
		}
	}

	return nil
}

// readTrace reads a trace from either CSV or binary wire form, selected
// by file extension; --export_trace additionally round-trips through the
// other format to exercise both codecs before lowering proceeds.
func readTrace(path string, exportTrace, verbose bool) (*polyprogram.PolyProgram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pisaerr.Wrap(pisaerr.IoError, "open trace", err)
	}
	defer f.Close()

	var pp *polyprogram.PolyProgram
	isBinary := filepath.Ext(path) == ".bin"
	if isBinary {
		pp, err = traceio.ReadBinary(f)
	} else {
		pp, err = traceio.ReadCSV(f)
	}
	if err != nil {
		return nil, err
	}

	if exportTrace {
		if verbose {
			log.Printf("export_trace: round-tripping %s through the opposite wire format", path)
		}
		if pp, err = roundTripTrace(pp, isBinary); err != nil {
			return nil, err
		}
	}

	return pp, nil
}

// roundTripTrace re-encodes pp through the format opposite to the one it
// was read from and decodes it back, returning the decoded copy: CSV ->
// binary -> CSV for a CSV-sourced trace, binary -> CSV -> binary for a
// binary-sourced one, exercising both TraceIO codecs on every --export_trace
// run rather than only the one the input happened to use.
func roundTripTrace(pp *polyprogram.PolyProgram, fromBinary bool) (*polyprogram.PolyProgram, error) {
	var other bytes.Buffer
	if fromBinary {
		if err := traceio.WriteCSV(&other, pp); err != nil {
			return nil, err
		}
		mid, err := traceio.ReadCSV(&other)
		if err != nil {
			return nil, err
		}
		var back bytes.Buffer
		if err := traceio.WriteBinary(&back, mid); err != nil {
			return nil, err
		}
		return traceio.ReadBinary(&back)
	}

	if err := traceio.WriteBinary(&other, pp); err != nil {
		return nil, err
	}
	mid, err := traceio.ReadBinary(&other)
	if err != nil {
		return nil, err
	}
	var back bytes.Buffer
	if err := traceio.WriteCSV(&back, mid); err != nil {
		return nil, err
	}
	return traceio.ReadCSV(&back)
}
