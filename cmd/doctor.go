package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("omniclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Agent program
	fmt.Println()
	fmt.Println("  Agent:")
	agentCfg := cfg.ResolveAgent("")
	if len(agentCfg.Command) == 0 {
		fmt.Printf("    %-12s (not configured)\n", "Command:")
	} else {
		fmt.Printf("    %-12s %s\n", "Command:", strings.Join(agentCfg.Command, " "))
		checkBinary(agentCfg.Command[0])
	}
	ws := config.ExpandHome(agentCfg.Workspace)
	fmt.Printf("    %-12s %s", "Workspace:", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	// Channel accounts
	fmt.Println()
	fmt.Println("  Channels:")
	for _, name := range config.ChannelNames() {
		for _, id := range cfg.ChannelAccountIDs(name) {
			acc, err := cfg.ResolveChannelAccount(name, id)
			if err != nil {
				continue
			}
			label := name
			if id != config.DefaultAccountID {
				label = name + "/" + id
			}
			checkAccount(label, acc)
		}
	}

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Sessions:", cfg.Session.Store)
	fmt.Printf("    %-12s %s\n", "Pairing:", cfg.PairingDir())
	fmt.Printf("    %-12s %s\n", "Cron:", cfg.CronStorePath())
	checkStore(cfg)

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s none (open — loopback only!)\n", "Auth:")
	} else {
		fmt.Printf("    %-12s bearer token (%s)\n", "Auth:", maskSecret(cfg.Gateway.Token))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkStore opens the configured backend and exercises a read plus a
// deliberately stale patch, which must come back as a conflict without
// writing anything.
func checkStore(cfg *config.Config) {
	stores, err := store.Open(cfg.Session.Store, cfg.PairingDir(), cfg.Session.TTLMs)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer stores.Close()

	if _, err := stores.Sessions.Read(config.DefaultAgentID, true); err != nil {
		fmt.Printf("    %-12s READ FAILED (%s)\n", "Status:", err)
		return
	}
	_, err = stores.Sessions.Patch(config.DefaultAgentID, "doctor-stale-hash", nil)
	if !errors.Is(err, sessions.ErrConflict) {
		fmt.Printf("    %-12s CAS CHECK FAILED (%v)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK (read + CAS verified)\n", "Status:")
}

func checkAccount(label string, acc config.EffectiveAccount) {
	status := "disabled"
	switch {
	case acc.Enabled && acc.Configured:
		status = fmt.Sprintf("enabled (credential: %s)", acc.Credential.Source)
	case acc.Enabled:
		status = "enabled (MISSING CREDENTIALS)"
	case acc.Configured:
		status = "configured but disabled"
	}
	fmt.Printf("    %-12s %s\n", label+":", status)
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND in PATH\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
