// MicroPerl CLI - compiles MicroPerl sources to bytecode module images
// and packages them into Z80 ROMs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"

	"github.com/ajokela/kz80-microperl/compiler"
	"github.com/ajokela/kz80-microperl/manifest"
	"github.com/ajokela/kz80-microperl/pkg/bytecode"
	"github.com/ajokela/kz80-microperl/pkg/debuginfo"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("microperl")

var errorColor = color.New(color.FgRed, color.Bold)

func main() {
	printTokens := flag.Bool("tokens", false, "Print tokens and exit")
	printAST := flag.Bool("ast", false, "Print the parsed program and exit")
	printBytecode := flag.Bool("bytecode", false, "Print bytecode disassembly and exit")
	run := flag.Bool("run", false, "Execute the compiled module in the reference interpreter")
	output := flag.String("o", "", "Write the module image to this file")
	romOutput := flag.String("rom", "", "Write a complete ROM (runtime + module image)")
	runtimePath := flag.String("runtime", "", "Assembled runtime blob for --rom")
	debugOutput := flag.String("dbg", "", "Write a CBOR debug symbol sidecar")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: microperl [options] [file.mpl]\n\n")
		fmt.Fprintf(os.Stderr, "Compiles a MicroPerl source file. With no file argument, settings are\n")
		fmt.Fprintf(os.Stderr, "read from microperl.toml in the current directory.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  microperl --run prog.mpl                 # Compile and execute\n")
		fmt.Fprintf(os.Stderr, "  microperl -o prog.mplc prog.mpl          # Write module image\n")
		fmt.Fprintf(os.Stderr, "  microperl --rom prog.rom --runtime rt.bin prog.mpl\n")
		fmt.Fprintf(os.Stderr, "  microperl --bytecode prog.mpl            # Disassemble\n")
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	inputFile := flag.Arg(0)
	if inputFile == "" {
		m, err := manifest.Load(".")
		if err != nil {
			fail("no input file and %v", err)
		}
		inputFile = m.EntryPath()
		if *output == "" {
			*output = m.Build.Output
		}
		if *debugOutput == "" {
			*debugOutput = m.Build.Debug
		}
		if *romOutput == "" {
			*romOutput = m.ROM.Output
			*runtimePath = m.ROM.Runtime
		}
		log.Infof("using manifest in %s", m.Dir)
	}

	source, err := os.ReadFile(inputFile)
	if err != nil {
		fail("reading %s: %v", inputFile, err)
	}

	if *printTokens {
		tokens, err := compiler.NewLexer(string(source)).Tokenize()
		if err != nil {
			fail("%s: %v", inputFile, err)
		}
		fmt.Print(compiler.DumpTokens(tokens))
		return
	}

	if *printAST {
		prog, err := compiler.Parse(string(source))
		if err != nil {
			fail("%s: %v", inputFile, err)
		}
		fmt.Print(compiler.UnparseProgram(prog))
		return
	}

	module, err := compiler.Compile(source)
	if err != nil {
		fail("%s: %v", inputFile, err)
	}
	log.Infof("compiled %s: %d bytes of code, %d strings, %d subs",
		inputFile, len(module.Code), len(module.Strings), len(module.Subs))

	if *printBytecode {
		fmt.Print(module.Disassemble())
		return
	}

	image, err := module.Image()
	if err != nil {
		fail("%s: %v", inputFile, err)
	}

	if *output != "" {
		if err := os.WriteFile(*output, image, 0o644); err != nil {
			fail("writing %s: %v", *output, err)
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(image), *output)
	}

	if *debugOutput != "" {
		data, err := debuginfo.Marshal(debuginfo.FromModule(inputFile, module))
		if err != nil {
			fail("encoding debug info: %v", err)
		}
		if err := os.WriteFile(*debugOutput, data, 0o644); err != nil {
			fail("writing %s: %v", *debugOutput, err)
		}
		fmt.Printf("Wrote debug info to %s\n", *debugOutput)
	}

	if *romOutput != "" {
		if *runtimePath == "" {
			fail("--rom requires --runtime")
		}
		runtime, err := os.ReadFile(*runtimePath)
		if err != nil {
			fail("reading runtime %s: %v", *runtimePath, err)
		}
		rom, err := BuildROM(runtime, image)
		if err != nil {
			fail("%v", err)
		}
		if err := os.WriteFile(*romOutput, rom, 0o644); err != nil {
			fail("writing %s: %v", *romOutput, err)
		}
		fmt.Printf("Wrote %d bytes ROM to %s (bytecode at 0x%04X)\n", len(rom), *romOutput, BytecodeOrg)
	}

	if *run {
		if err := bytecode.Execute(module, os.Stdin, os.Stdout); err != nil {
			fail("%v", err)
		}
	}
}

func fail(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "error: ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
