package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tokligence/chatflow-gateway/internal/registry"
)

func runAPIsImport(cmd *cobra.Command, args []string) error {
	cfg, logs, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer logs.Close()

	apis, err := registry.LoadFile(args[0])
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := registry.Import(cmd.Context(), st, apis)
	if err != nil {
		return err
	}
	logs.Logger("chatflowd").Printf("imported %d api(s) from %s into %s store", n, args[0], cfg.DatabaseDriver)
	return nil
}

func runAPIsList(cmd *cobra.Command, args []string) error {
	cfg, logs, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer logs.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	apis, err := st.ListAPIs(cmd.Context())
	if err != nil {
		return err
	}
	return printAPIs(cmd, apis)
}

func printAPIs(cmd *cobra.Command, apis []registry.API) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tURL\tHEADERS")
	for _, api := range apis {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", api.Code, api.Name, api.URL, len(api.Headers))
	}
	return w.Flush()
}
