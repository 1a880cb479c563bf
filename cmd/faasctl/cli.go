package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cloudfunctions/internal/client"
	"cloudfunctions/internal/core/functions"

	"github.com/alecthomas/kong"
)

// CLI is the faasctl command tree.
type CLI struct {
	Server  string        `help:"Base URL of the cloudfunctions server." default:"http://localhost:8080" env:"FAASCTL_SERVER"`
	Timeout time.Duration `help:"Request timeout." default:"60s"`

	Deploy     DeployCmd     `cmd:"" help:"Deploy a zip archive; the function is named after the file."`
	List       ListCmd       `cmd:"" help:"List registered functions."`
	Get        GetCmd        `cmd:"" help:"Show one function."`
	Activate   ActivateCmd   `cmd:"" help:"Activate a function."`
	Deactivate DeactivateCmd `cmd:"" help:"Deactivate a function."`
	Invoke     InvokeCmd     `cmd:"" help:"Invoke a function and print the outcome."`
}

type (
	DeployCmd struct {
		Archive string `arg:"" type:"existingfile" help:"Path to the zip archive."`
	}
	ListCmd struct{}
	GetCmd struct {
		Name string `arg:"" help:"Function name."`
	}
	ActivateCmd struct {
		Name string `arg:"" help:"Function name."`
	}
	DeactivateCmd struct {
		Name string `arg:"" help:"Function name."`
	}
	InvokeCmd struct {
		Name      string `arg:"" help:"Function name."`
		OnSuccess string `name:"on-success" help:"URL notified when the outcome is a success."`
		OnError   string `name:"on-error" help:"URL notified when the outcome is an error."`
	}
)

// env is bound into every command's Run method.
type env struct {
	ctx    context.Context
	client *client.Client
	out    io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	var cli CLI
	exitCode := -1
	parser, err := kong.New(&cli,
		kong.Name("faasctl"),
		kong.Description("Manage functions on a cloudfunctions server."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	kctx, err := parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()
	e := &env{ctx: ctx, client: client.New(cli.Server, nil), out: stdout}
	if err := kctx.Run(e); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func (c *DeployCmd) Run(e *env) error {
	name, err := e.client.Deploy(e.ctx, c.Archive)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deployed %s (inactive until activated)\n", name)
	return nil
}

func (c *ListCmd) Run(e *env) error {
	list, err := e.client.List(e.ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(e.out, "no functions deployed")
		return nil
	}
	for _, fn := range list {
		fmt.Fprintf(e.out, "%-24s %-8s rev %-4d %s\n", fn.Name, state(fn), fn.Revision, fn.CodePath)
	}
	return nil
}

func (c *GetCmd) Run(e *env) error {
	fn, err := e.client.Get(e.ctx, c.Name)
	if err != nil {
		return err
	}
	return printJSON(e.out, fn)
}

func (c *ActivateCmd) Run(e *env) error {
	if err := e.client.Activate(e.ctx, c.Name); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "activated %s\n", c.Name)
	return nil
}

func (c *DeactivateCmd) Run(e *env) error {
	if err := e.client.Deactivate(e.ctx, c.Name); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deactivated %s\n", c.Name)
	return nil
}

func (c *InvokeCmd) Run(e *env) error {
	outcome, err := e.client.Invoke(e.ctx, c.Name, functions.Targets{OnSuccess: c.OnSuccess, OnFailure: c.OnError})
	if err != nil {
		return err
	}
	if err := printJSON(e.out, outcome); err != nil {
		return err
	}
	if outcome.Status != functions.StatusSuccess {
		return fmt.Errorf("function %s did not succeed", c.Name)
	}
	return nil
}

func state(fn functions.Function) string {
	if fn.IsActive {
		return "active"
	}
	return "inactive"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
