package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/miradorstack/mirador-logwatch/internal/rules"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

func newRulesCmd(v *viper.Viper) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect detection rules",
	}

	var dir string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Compile every rule file in a directory and report rejected rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := utils.NewLoggerTo(cmd.ErrOrStderr(), v.GetString("log_level"), false)
			store, err := rules.LoadDir(dir, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range store.AllRules() {
				fmt.Fprintf(out, "ok      %-32s %-8s %s\n", r.Name, r.Severity, r.Condition())
			}
			for _, cerr := range store.Errors() {
				fmt.Fprintf(out, "invalid %s\n", cerr.Error())
			}
			if n := len(store.Errors()); n > 0 {
				return fmt.Errorf("%d rule(s) rejected", n)
			}
			return nil
		},
	}
	validate.Flags().StringVar(&dir, "dir", "configs/rules", "Rule directory")
	rulesCmd.AddCommand(validate)
	return rulesCmd
}
