// proctord - Client-side exam proctoring integrity engine
//
//	proctord checks        Run the pre-exam environment validation
//	proctord run           Run a full proctored exam session
//	proctord version       Print version information
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"proctorforge/internal/authority"
	"proctorforge/internal/checks"
	"proctorforge/internal/config"
	"proctorforge/internal/logging"
	"proctorforge/internal/outbox"
	"proctorforge/internal/session"
	"proctorforge/internal/trust"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "checks":
		cmdChecks()
	case "version":
		fmt.Printf("proctord %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`proctord - Exam Proctoring Integrity Engine

USAGE:
    proctord <command> [options]

COMMANDS:
    checks              Run the pre-exam environment validation and print the report
    run                 Run a full proctored exam session
    version             Print version information
    help                Show this help message

OPTIONS (run, checks):
    -config <path>      Configuration file (TOML or JSON)
    -exam <id>          Exam identifier (overrides config)
    -profile <path>     Host environment profile JSON written by the embedding shell
    -yes                Acknowledge the pre-exam checklist without prompting
    -json               Print the checks report as JSON (checks only)

The authority token is read from the PROCTORD_TOKEN environment variable.`)
}

func loadConfig(path, examID string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatal("load config: %v", err)
	}
	if examID != "" {
		cfg.Session.ExamID = examID
	}
	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}
	return cfg
}

func cmdChecks() {
	fs := flag.NewFlagSet("checks", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	examID := fs.String("exam", "", "exam identifier")
	profilePath := fs.String("profile", "", "host environment profile JSON")
	asJSON := fs.Bool("json", false, "print report as JSON")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*cfgPath, *examID)
	logger, err := cfg.LoggingOptions()
	if err != nil {
		fatal("%v", err)
	}
	log, err := logging.New(logger)
	if err != nil {
		fatal("%v", err)
	}
	defer logging.Close()

	env, err := loadEnvironment(*profilePath)
	if err != nil {
		fatal("%v", err)
	}

	client := authority.New(cfg.AuthorityOptions(), logging.WithComponent(log, "authority"))
	report := checks.Run(context.Background(), cfg.EngineConfigs().Checks, env, client)

	if *asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		printReport(report)
	}
	if report.Blocked {
		os.Exit(1)
	}
}

func printReport(report *checks.Report) {
	for _, r := range report.Results {
		mark := "ok"
		switch r.Status {
		case checks.StatusWarn:
			mark = "warn"
		case checks.StatusFail:
			mark = "FAIL"
		}
		if r.Detail != "" {
			fmt.Printf("  [%-4s] %-14s %s\n", mark, r.Name, r.Detail)
		} else {
			fmt.Printf("  [%-4s] %s\n", mark, r.Name)
		}
	}
	fmt.Printf("\nFingerprint: %s\n", report.Fingerprint)
	if report.Blocked {
		fmt.Printf("BLOCKED: %s\n", report.BlockReason)
	}
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "configuration file")
	examID := fs.String("exam", "", "exam identifier")
	profilePath := fs.String("profile", "", "host environment profile JSON")
	yes := fs.Bool("yes", false, "acknowledge checklist without prompting")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*cfgPath, *examID)
	if cfg.Session.ExamID == "" {
		fatal("no exam id: pass -exam or set session.exam_id")
	}

	logOpts, err := cfg.LoggingOptions()
	if err != nil {
		fatal("%v", err)
	}
	log, err := logging.New(logOpts)
	if err != nil {
		fatal("%v", err)
	}
	defer logging.Close()

	env, err := loadEnvironment(*profilePath)
	if err != nil {
		fatal("%v", err)
	}

	client := authority.New(cfg.AuthorityOptions(), logging.WithComponent(log, "authority"))

	deps := session.Deps{
		Env:       env,
		Authority: client,
		Logger:    log,
	}
	if cfg.Outbox.Enabled {
		ob, err := outbox.Open(cfg.OutboxOptions())
		if err != nil {
			fatal("open outbox: %v", err)
		}
		defer ob.Close()
		deps.Outbox = ob
	}

	engine := session.NewEngine(cfg.EngineConfigs(), deps)
	engine.SetOnMoodChange(func(m trust.Mood) {
		fmt.Printf("!! escalation level: %s\n", m)
	})
	ended := make(chan struct{})
	engine.SetOnPhaseChange(func(p session.Phase) {
		if p == session.PhaseEnded {
			close(ended)
		}
	})

	if err := engine.Start(); err != nil {
		fatal("browser check: %v", err)
	}

	if err := acknowledgeChecklist(engine, *yes); err != nil {
		fatal("%v", err)
	}

	fmt.Println("Running security checks...")
	if err := engine.RunSecurityChecks(context.Background()); err != nil {
		if report := engine.CheckReport(); report != nil {
			printReport(report)
		}
		fatal("%v", err)
	}
	fmt.Printf("Exam started (attempt %s). Press Ctrl-C to submit.\n", engine.Context().AttemptID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		fmt.Println("\nSubmitting exam...")
		engine.Submit()
		<-ended
	case <-ended:
	}

	fmt.Printf("Session ended: %s\n", engine.EndReason())
}

// acknowledgeChecklist walks the pre-exam checklist, prompting per item
// unless -yes was given.
func acknowledgeChecklist(engine *session.Engine, auto bool) error {
	items := engine.Checklist()
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Pre-exam checklist:")
	for _, item := range items {
		if !auto {
			fmt.Printf("  %s [y/N]: ", item.Text)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read acknowledgment: %w", err)
			}
			if line != "y\n" && line != "Y\n" && line != "yes\n" {
				return fmt.Errorf("checklist item %q not acknowledged", item.ID)
			}
		} else {
			fmt.Printf("  %s: acknowledged\n", item.Text)
		}
		if err := engine.Acknowledge(item.ID); err != nil {
			return err
		}
	}
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "proctord: "+format+"\n", args...)
	os.Exit(1)
}
