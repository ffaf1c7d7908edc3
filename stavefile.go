//go:build stave

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/yaklabco/stave/pkg/sh"
	"github.com/yaklabco/stave/pkg/st"
	"github.com/yaklabco/stave/pkg/target"
)

// Default target when running `stave` with no arguments.
var Default = All

// Aliases for common targets.
var Aliases = map[string]interface{}{
	"b": Build,
	"t": Test,
	"l": Lint,
	"c": Clean,
	"s": Serve,
}

// All runs the complete build pipeline: lint, test, and build.
func All() error {
	st.Deps(Init)
	st.Deps(Lint, Test)
	st.Deps(Build)
	return nil
}

// Init ensures the module dependencies are up to date.
func Init() error {
	return sh.Run("go", "mod", "tidy")
}

// binaries lists the commands built from ./cmd.
var binaries = []string{"caption-cli", "caption-server", "caption-bench"}

// Build compiles all caption binaries.
func Build() error {
	st.Deps(Init)
	st.Deps(Build_CLI, Build_Server, Build_Bench)
	return nil
}

// Build_CLI compiles the caption-cli binary with version information.
func Build_CLI() error {
	return buildBinary("caption-cli")
}

// Build_Server compiles the caption-server binary with version information.
func Build_Server() error {
	return buildBinary("caption-server")
}

// Build_Bench compiles the caption-bench binary with version information.
func Build_Bench() error {
	return buildBinary("caption-bench")
}

func buildBinary(name string) error {
	st.Deps(Init)

	out := "bin/" + name
	rebuild, err := target.Glob(out, "**/*.go", "go.mod", "go.sum")
	if err != nil {
		return fmt.Errorf("checking rebuild: %w", err)
	}
	if !rebuild {
		if st.Verbose() {
			fmt.Printf("%s is up to date\n", name)
		}
		return nil
	}

	return sh.RunV("go", "build", "-ldflags", buildLdflags(), "-o", out, "./cmd/"+name)
}

// buildLdflags returns ldflags for version injection.
func buildLdflags() string {
	version, _ := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	commit, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	date := time.Now().Format(time.RFC3339)

	return fmt.Sprintf(
		"-X main.version=%s -X main.commit=%s -X main.date=%s",
		strings.TrimSpace(version),
		strings.TrimSpace(commit),
		date,
	)
}

// Test runs all tests with race detection and coverage.
func Test() error {
	st.Deps(Init)
	return sh.RunV("go", "test", "-race", "-cover", "./...")
}

// TestShort runs tests in short mode (skips long-running tests).
func TestShort() error {
	st.Deps(Init)
	return sh.RunV("go", "test", "-short", "-race", "./...")
}

// TestVerbose runs tests with verbose output.
func TestVerbose() error {
	st.Deps(Init)
	return sh.RunV("go", "test", "-race", "-cover", "-v", "./...")
}

// Lint runs golangci-lint on the codebase.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// LintFix runs golangci-lint with auto-fix enabled.
func LintFix() error {
	return sh.RunV("golangci-lint", "run", "--fix", "./...")
}

// Fmt formats all Go code using gofmt and goimports.
func Fmt() error {
	if err := sh.Run("gofmt", "-w", "."); err != nil {
		return fmt.Errorf("gofmt: %w", err)
	}
	if err := sh.Run("goimports", "-w", "."); err != nil {
		return fmt.Errorf("goimports: %w", err)
	}
	return nil
}

// Vet runs go vet on all packages.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Clean removes build artifacts.
func Clean() error {
	artifacts := []string{
		"bin/",
		"coverage.out",
		"coverage.html",
	}
	for _, a := range artifacts {
		if err := sh.Rm(a); err != nil {
			return fmt.Errorf("removing %s: %w", a, err)
		}
	}
	return nil
}

// Install builds and installs the binaries to GOBIN.
func Install() error {
	st.Deps(Build)

	gocmd := st.GoCmd()
	bin, err := sh.Output(gocmd, "env", "GOBIN")
	if err != nil {
		return fmt.Errorf("determining GOBIN: %w", err)
	}
	if bin == "" {
		gopath, err := sh.Output(gocmd, "env", "GOPATH")
		if err != nil {
			return fmt.Errorf("determining GOPATH: %w", err)
		}
		bin = gopath + "/bin"
	}

	for _, name := range binaries {
		src := "bin/" + name
		dst := bin + "/" + name
		if runtime.GOOS == "windows" {
			dst += ".exe"
		}
		if err := sh.Copy(dst, src); err != nil {
			return fmt.Errorf("installing %s: %w", name, err)
		}
		if st.Verbose() {
			fmt.Printf("Installed %s to %s\n", name, dst)
		}
	}
	return nil
}

// Serve runs caption-server with the config named by CAPTION_CONFIG.
func Serve() error {
	st.Deps(Build_Server)

	args := []string{}
	if cfg := os.Getenv("CAPTION_CONFIG"); cfg != "" {
		args = append(args, "-config", cfg)
	}
	return sh.RunV("./bin/caption-server", args...)
}

// Bench namespace for caption quality targets.
type Bench st.Namespace

// benchArgs returns the shared caption-bench flags. CAPTION_CONFIG,
// CAPTION_CORPUS and CAPTION_IMAGES override the defaults.
func benchArgs() []string {
	corpus := os.Getenv("CAPTION_CORPUS")
	if corpus == "" {
		corpus = "testdata/flickr8k/captions.txt"
	}
	images := os.Getenv("CAPTION_IMAGES")
	if images == "" {
		images = "testdata/flickr8k/Images"
	}

	args := []string{"-corpus", corpus, "-images", images}
	if cfg := os.Getenv("CAPTION_CONFIG"); cfg != "" {
		args = append(args, "-config", cfg)
	}
	if limit := os.Getenv("CAPTION_LIMIT"); limit != "" {
		args = append(args, "-limit", limit)
	}
	return args
}

// Run scores the configured decoder against the reference captions.
// Requires the models named in the config and the Flickr8k corpus.
func (Bench) Run() error {
	st.Deps(Build_Bench)
	return sh.RunV("./bin/caption-bench", benchArgs()...)
}

// Greedy scores greedy decoding against the reference captions.
func (Bench) Greedy() error {
	st.Deps(Build_Bench)
	return sh.RunV("./bin/caption-bench", append(benchArgs(), "-method", "greedy")...)
}

// Sweep searches length-normalization alphas and beam widths.
func (Bench) Sweep() error {
	st.Deps(Build_Bench)
	return sh.RunV("./bin/caption-bench", append(benchArgs(),
		"-sweep-alpha", "0.5:1.0:0.1",
		"-sweep-beam", "1,3,5",
	)...)
}

// Vocab builds testdata/vocab.json from the corpus named by CAPTION_CORPUS.
func Vocab() error {
	corpus := os.Getenv("CAPTION_CORPUS")
	if corpus == "" {
		corpus = "testdata/flickr8k/captions.txt"
	}
	return sh.RunV("go", "run", "./scripts/build-vocab.go", "-corpus", corpus, "-out", "testdata/vocab.json")
}

// CI runs the full CI pipeline (lint, test, build).
func CI() error {
	st.Deps(Init)
	st.SerialDeps(Lint, Test, Build)
	return nil
}

// Check runs quick validation (vet, lint, short tests).
func Check() error {
	st.Deps(Vet, Lint, TestShort)
	return nil
}

// Coverage generates a coverage report.
func Coverage() error {
	st.Deps(Init)
	if err := sh.RunV("go", "test", "-race", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html")
}

// Tidy runs go mod tidy and verifies the go.sum is clean.
func Tidy() error {
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	// Verify no changes to go.sum (useful for CI)
	output, err := sh.Output("git", "diff", "--exit-code", "go.sum")
	if err != nil {
		if output != "" {
			return fmt.Errorf("go.sum is not clean:\n%s", output)
		}
	}
	return nil
}
