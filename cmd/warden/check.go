package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

type checkResult struct {
	Path    string   `json:"path"`
	Valid   bool     `json:"valid"`
	Error   string   `json:"error,omitempty"`
	Command string   `json:"command,omitempty"`
	Found   bool     `json:"found"`
	Args    []string `json:"args,omitempty"`
	Token   bool     `json:"token"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the warden config",
	Long:  "Load and validate the config file, and report whether the gateway command resolves and a token is set.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "print raw JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	res := checkResult{Path: path}

	cfg, err := loadConfig()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Valid = true
		res.Command = cfg.Gateway.Command
		_, lerr := exec.LookPath(cfg.Gateway.Command)
		res.Found = lerr == nil
		res.Args = cfg.LaunchArgs()
		res.Token = cfg.Gateway.Token != ""
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if !res.Valid {
		fmt.Println(renderError(path + ": " + res.Error))
	} else {
		fmt.Println(renderOK(path))
		found := styleOK.Render("found")
		if !res.Found {
			found = styleWarn.Render("not on PATH, fallback will be tried")
		}
		fmt.Printf("  %s%s (%s)\n", styleLabel.Render("command"), res.Command, found)
		fmt.Printf("  %s%v\n", styleLabel.Render("args"), res.Args)
		if !res.Token {
			fmt.Printf("  %s%s\n", styleLabel.Render("token"), styleWarn.Render("missing, starts will be refused"))
		}
	}

	if !res.Valid {
		return fmt.Errorf("config invalid")
	}
	return nil
}
