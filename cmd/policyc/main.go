// Command policyc validates, compiles and builds policy documents offline.
//
//	policyc validate policy.yaml
//	policyc compile [-o guest.go] policy.yaml
//	policyc build [-o program.art] [-secret s] policy.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"zkgate/internal/compiler/codegen"
	"zkgate/internal/compiler/parser"
	"zkgate/internal/compiler/validator"
	"zkgate/internal/engine"
	"zkgate/internal/engine/guest"
	dErrors "zkgate/pkg/domain-errors"
)

const usage = "usage: policyc {validate|compile|build} [flags] <file>"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "write output to file instead of stdout")
	strict := fs.Bool("strict", false, "reject unknown document fields")
	secret := fs.String("secret", os.Getenv("ENGINE_ATTESTATION_SECRET"), "attestation secret (build only)")
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read policy: %v\n", err)
		return 1
	}

	var opts []parser.Option
	if *strict {
		opts = append(opts, parser.WithStrict())
	}

	switch cmd {
	case "validate":
		err = validate(raw, opts, stdout)
	case "compile":
		err = compile(raw, opts, *out, stdout)
	case "build":
		err = buildProgram(ctx, raw, opts, *secret, *out, stdout)
	default:
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if err != nil {
		report(stderr, err)
		return 1
	}
	return 0
}

func generate(raw []byte, opts []parser.Option) (codegen.Source, error) {
	doc, err := parser.ParseBytes(raw, opts...)
	if err != nil {
		return codegen.Source{}, err
	}
	v, err := validator.Validate(doc)
	if err != nil {
		return codegen.Source{}, err
	}
	return codegen.Generate(v)
}

func validate(raw []byte, opts []parser.Option, stdout io.Writer) error {
	doc, err := parser.ParseBytes(raw, opts...)
	if err != nil {
		return err
	}
	if _, err := validator.Validate(doc); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ok: %s (%d rules)\n", doc.UseCase, len(doc.Rules))
	return nil
}

func compile(raw []byte, opts []parser.Option, out string, stdout io.Writer) error {
	src, err := generate(raw, opts)
	if err != nil {
		return err
	}
	return emit(out, src.Code, stdout)
}

func buildProgram(ctx context.Context, raw []byte, opts []parser.Option, secret, out string, stdout io.Writer) error {
	if secret == "" {
		return errors.New("build needs -secret or ENGINE_ATTESTATION_SECRET")
	}
	src, err := generate(raw, opts)
	if err != nil {
		return err
	}
	attestor, err := guest.NewAttestor([]byte(secret))
	if err != nil {
		return err
	}
	eng := engine.New(engine.WithBackend(guest.New(attestor)))
	artifact, err := eng.Build(ctx, guest.Format, src.Code)
	if err != nil {
		return err
	}
	if out != "" {
		if err := os.WriteFile(out, artifact, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
	}
	fmt.Fprintf(stdout, "program_identity: %s\n", eng.IdentityOf(artifact))
	return nil
}

func emit(path string, data []byte, stdout io.Writer) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func report(w io.Writer, err error) {
	var re *validator.RuleError
	switch {
	case errors.As(err, &re) && re.Index >= 0:
		fmt.Fprintf(w, "%s: rule %d: %s\n", dErrors.CodeOf(err), re.Index, re.Reason)
	default:
		fmt.Fprintln(w, err)
	}
}
