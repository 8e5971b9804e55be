package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sovereign/sovereign/internal/capability"
	"github.com/sovereign/sovereign/internal/config"
	"github.com/sovereign/sovereign/internal/phase"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sovereign",
		Short: "Session authority for human-supervised AI operations",
		Long:  "Sovereign tracks the trust phase, security posture and audit trail of operator sessions.",
	}

	var configFile string
	var port int
	var devMode bool

	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Port of the running service (default: 7420)")

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session authority service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: sovereign.yaml)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sovereign %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── capabilities ───
	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities [phase]",
		Short: "Show the capability labels advertised per phase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phases := phase.All()
			if len(args) == 1 {
				p, err := phase.Parse(args[0])
				if err != nil {
					return err
				}
				phases = []phase.Phase{p}
			}
			for _, p := range phases {
				fmt.Printf("%-10s %s\n", p, strings.Join(capability.For(p), ", "))
			}
			return nil
		},
	}

	// ─── session ───
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and drive sessions of the running service",
	}

	var locale string
	sessionCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionCreate(port, locale)
		},
	}
	sessionCreateCmd.Flags().StringVar(&locale, "locale", "", "Notification locale for the session")

	sessionListCmd := &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(port)
		},
	}

	sessionShowCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show phase, posture and capabilities of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(port, args[0])
		},
	}

	sessionPhaseCmd := &cobra.Command{
		Use:   "phase [session-id] [analysis|planning|execution]",
		Short: "Transition a session to a phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionPhase(port, args[0], args[1])
		},
	}

	var metadataPairs []string
	sessionLogCmd := &cobra.Command{
		Use:   "log [session-id] [action]",
		Short: "Append an action to a session's audit log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionLog(port, args[0], args[1], metadataPairs)
		},
	}
	sessionLogCmd.Flags().StringArrayVarP(&metadataPairs, "meta", "m", nil, "Metadata as key=value (repeatable)")

	var auditFilter string
	sessionAuditCmd := &cobra.Command{
		Use:   "audit [session-id]",
		Short: "Print a session's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionAudit(port, args[0], auditFilter)
		},
	}
	sessionAuditCmd.Flags().StringVarP(&auditFilter, "filter", "f", "", `CEL filter, e.g. 'entry.kind == "PHASE_TRANSITION"'`)

	sessionVerifyCmd := &cobra.Command{
		Use:   "verify [session-id]",
		Short: "Verify hash chain integrity of a session's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionVerify(port, args[0])
		},
	}

	var restrictReason string
	sessionRestrictCmd := &cobra.Command{
		Use:   "restrict [session-id]",
		Short: "Restrict a session's posture until released",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionPosture(port, args[0], "restrict", restrictReason)
		},
	}
	sessionRestrictCmd.Flags().StringVar(&restrictReason, "reason", "CLI restrict command", "Reason recorded in the audit log")

	sessionReleaseCmd := &cobra.Command{
		Use:   "release [session-id]",
		Short: "Release a restricted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionPosture(port, args[0], "release", "")
		},
	}

	sessionEndCmd := &cobra.Command{
		Use:   "end [session-id]",
		Short: "End a session and discard its audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionEnd(port, args[0])
		},
	}

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd, sessionPhaseCmd, sessionLogCmd,
		sessionAuditCmd, sessionVerifyCmd, sessionRestrictCmd, sessionReleaseCmd, sessionEndCmd)

	// ─── send ───
	var conversationID string
	sendCmd := &cobra.Command{
		Use:   "send [session-id] [message]",
		Short: "Send a message to the AI endpoint through a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(port, args[0], conversationID, args[1])
		},
	}
	sendCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID")

	// ─── config ───
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config file commands",
	}
	var validateFile string
	configValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(validateFile)
		},
	}
	configValidateCmd.Flags().StringVarP(&validateFile, "config", "c", "", "Path to config file (default: sovereign.yaml)")
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(startCmd, initCmd, versionCmd, capabilitiesCmd, sessionCmd, sendCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInit() error {
	configPath := "sovereign.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    sovereign config validate     # Check your edits")
	fmt.Println("    sovereign start               # Start the service")
	return nil
}

func runConfigValidate(configFile string) error {
	path := config.FindConfigFile(configFile)
	if path == "" {
		return fmt.Errorf("no config file found (looked for sovereign.yaml and ~/.config/sovereign/config.yaml)")
	}
	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("  ✗ %s\n", path)
		return err
	}
	cfg := loader.Get()
	fmt.Printf("  ✓ %s is valid\n", path)
	fmt.Printf("    port:        %d\n", cfg.Server.Port)
	fmt.Printf("    revert:      %s (%s)\n", cfg.Posture.RevertAfter, cfg.Posture.RevertMode)
	fmt.Printf("    audit:       %s\n", cfg.Audit.Driver)
	fmt.Printf("    transport:   %v\n", cfg.Transport.Enabled)
	return nil
}
