package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"drivertriage/internal/backend"
	"drivertriage/internal/memory"
	"drivertriage/internal/util/jsonutil"
)

// The unit commands expose each pipeline step standalone, mirroring how a
// triage session actually goes: poke at one caller or one handler before
// paying for a full run.

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the functions that call the entry symbol",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		callers, err := a.pipeline(false).DiscoverEntries(ctx)
		if err != nil {
			return err
		}
		if len(callers) == 0 {
			fmt.Printf("no callers: %s is not imported or never referenced\n", a.cfg.EntrySymbol)
			return nil
		}
		for _, c := range callers {
			fmt.Println(c)
		}
		return nil
	},
}

var resolveDispatchCmd = &cobra.Command{
	Use:   "resolve-dispatch <caller-addr> [caller-name]",
	Short: "Identify the device-control handler installed by one caller",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		caller, err := parseRef(ctx, a, args)
		if err != nil {
			return err
		}
		handler, err := a.pipeline(false).ResolveDispatch(ctx, caller)
		if err != nil {
			return err
		}
		fmt.Println(handler)
		return nil
	},
}

var subfunctionsCmd = &cobra.Command{
	Use:   "subfunctions <handler-addr> [handler-name]",
	Short: "List a handler's callees classified internal/external",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		handler, err := parseRef(ctx, a, args)
		if err != nil {
			return err
		}
		entries, err := a.pipeline(false).Subfunctions(ctx, handler)
		if err != nil {
			return err
		}
		out, err := jsonutil.MarshalIndentNoEscape(entries)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var describeExternalCmd = &cobra.Command{
	Use:   "describe-external <symbol> <iat-addr>",
	Short: "Describe an imported API symbol (cache-first)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, err := backend.ParseAddr(args[1])
		if err != nil {
			return err
		}
		md, err := a.sum.DescribeExternal(ctx, args[0], addr)
		if err != nil {
			return err
		}
		fmt.Println(md)
		return nil
	},
}

var describeInternalCmd = &cobra.Command{
	Use:   "describe-internal <addr> [name]",
	Short: "Decompile and describe a routine inside the binary",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ref, err := parseRef(ctx, a, args)
		if err != nil {
			return err
		}
		code, err := a.backend.Decompile(ctx, ref)
		if err != nil {
			return err
		}
		desc, err := a.sum.DescribeInternal(ctx, ref, code)
		if err != nil {
			return err
		}
		fmt.Println(desc.Markdown)
		if desc.Annotated() {
			fmt.Printf("\nflags: mem=%v map=%v\n", desc.Mem, desc.Map)
		}
		return nil
	},
}

var memParamsCmd = &cobra.Command{
	Use:   "mem-params <addr> [name]",
	Short: "Report which parameters control memory-operation addresses",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ref, err := parseRef(ctx, a, args)
		if err != nil {
			return err
		}
		code, err := a.backend.Decompile(ctx, ref)
		if err != nil {
			return err
		}
		res, err := a.params.Analyze(ctx, ref, code)
		if err != nil {
			return err
		}
		fmt.Println(memory.RenderFindings(res))
		return nil
	},
}

var memFlowCmd = &cobra.Command{
	Use:   "mem-flow <addr> [name]",
	Short: "Trace caller-supplied values through nested calls to memory operations",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ref, err := parseRef(ctx, a, args)
		if err != nil {
			return err
		}
		code, err := a.backend.Decompile(ctx, ref)
		if err != nil {
			return err
		}
		res, err := a.flows.Trace(ctx, ref, code, nil)
		if err != nil {
			return err
		}
		fmt.Println(memory.RenderFlows(res))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd, resolveDispatchCmd, subfunctionsCmd,
		describeExternalCmd, describeInternalCmd, memParamsCmd, memFlowCmd)
}
