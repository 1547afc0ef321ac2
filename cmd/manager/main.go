// Command manager is the systemd-rs-go entrypoint: it is both the PID-1
// style service manager and, when re-exec'd with the exec-helper sentinel
// argv[0], the privilege-dropping child launcher internal/supervisor spawns
// (spec.md §4.4).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/activation"
	"github.com/systemd-rs-go/manager/internal/config"
	"github.com/systemd-rs-go/manager/internal/control"
	"github.com/systemd-rs-go/manager/internal/eventbus"
	"github.com/systemd-rs-go/manager/internal/notify"
	"github.com/systemd-rs-go/manager/internal/parser"
	"github.com/systemd-rs-go/manager/internal/pidtable"
	"github.com/systemd-rs-go/manager/internal/platform"
	"github.com/systemd-rs-go/manager/internal/runtimeinfo"
	"github.com/systemd-rs-go/manager/internal/shutdown"
	"github.com/systemd-rs-go/manager/internal/supervisor"
	"github.com/systemd-rs-go/manager/internal/unit"
)

func main() {
	if supervisor.IsHelperInvocation(os.Args[0]) {
		supervisor.RunHelper()
		return
	}

	userMode := flag.Bool("user", false, "run as a per-user session manager instead of PID 1")
	unitDir := flag.String("unit-dir", "", "additional unit search directory, highest priority")
	logLevel := flag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "systemd-rs",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg := config.Default()
	if *userMode {
		cfg = config.DefaultUser()
	}
	if *unitDir != "" {
		cfg.UnitDirs = append([]string{*unitDir}, cfg.UnitDirs...)
	}

	if err := run(log, cfg); err != nil {
		log.Error("manager exited with error", "err", err)
		os.Exit(1)
	}
}

func run(log hclog.Logger, cfg *config.Config) error {
	defaultTarget, err := unit.ParseID(cfg.DefaultTarget)
	if err != nil {
		return fmt.Errorf("invalid default target %q: %w", cfg.DefaultTarget, err)
	}

	if err := platform.BecomeSubreaper(); err != nil {
		log.Warn("failed to become subreaper", "err", err)
	}

	rt := runtimeinfo.New(cfg)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	bus := eventbus.New(shutdownCtx, log)
	engine := activation.New(log, rt, bus, shutdownCtx)
	loader := parser.NewLoader(log, cfg.UnitDirs, defaultTarget, rt)

	if _, err := loader.LoadAllNew(shutdownCtx); err != nil {
		return fmt.Errorf("initial unit load: %w", err)
	}
	log.Info("loaded units", "count", rt.Len())

	shutdownFn := func() {
		log.Info("shutdown requested over control interface")
		shutdownCancel()
	}
	ctl := control.New(log, rt, engine, loader, bus, shutdownFn)

	ctlErrCh := make(chan error, 1)
	go func() {
		ctlErrCh <- ctl.ListenAndServe(shutdownCtx, cfg.ControlSocketPath)
	}()

	go notify.Run(shutdownCtx, log, rt.NotificationEventFD.C(), engine.NotifyEntries, engine.HandleNotifyMessage)

	sigCh := platform.NewSignalStream(log)
	defer sigCh.Stop()
	go reapLoop(log, rt.PIDTable, engine)

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr != nil {
		log.Warn("unit directory watcher unavailable", "err", watchErr)
	} else {
		defer watcher.Close()
		for _, dir := range cfg.UnitDirs {
			if err := watcher.Add(dir); err != nil {
				log.Trace("not watching unit directory", "dir", dir, "err", err)
			}
		}
		go watchUnitDirs(shutdownCtx, log, watcher, loader)
	}

	if err := engine.Start(shutdownCtx, defaultTarget); err != nil {
		log.Error("failed to reach default target", "target", defaultTarget, "err", err)
	}

	spawnConsoleGettys(shutdownCtx, log, rt, engine)

	for {
		select {
		case <-shutdownCtx.Done():
			return drainShutdown(log, rt, engine, ctlErrCh)
		case sig := <-sigCh.C():
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				log.Info("received shutdown signal", "signal", sig)
				shutdownCancel()
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reloading units")
				if _, err := loader.LoadAllNew(shutdownCtx); err != nil {
					log.Error("reload failed", "err", err)
				}
			}
		case err := <-ctlErrCh:
			if err != nil {
				log.Warn("control server stopped", "err", err)
			}
		}
	}
}

// spawnConsoleGettys materializes and starts a getty@<tty>.service instance
// for every console= the kernel command line names (spec.md's console-
// autospawn supplement), provided the getty@.service template is present
// among the loaded units.
func spawnConsoleGettys(ctx context.Context, log hclog.Logger, rt *runtimeinfo.RuntimeInfo, engine *activation.Engine) {
	for _, id := range parser.GenerateGettyUnits(activeConsoles("/proc/cmdline")) {
		tmpl, ok := rt.Get(id.TemplateID())
		if !ok {
			continue
		}
		svc := tmpl.Service()
		if svc == nil {
			continue
		}
		if _, exists := rt.Get(id); !exists {
			inst := unit.New(id)
			instSvc := *svc
			inst.Specific = &instSvc
			inst.Config = tmpl.Config
			rt.Insert(inst)
		}
		if err := engine.Start(ctx, id); err != nil {
			log.Warn("failed to start console getty", "unit", id, "err", err)
		}
	}
}

// activeConsoles parses console=<tty>[,options] entries off the kernel
// command line, the same source systemd's getty generator reads to decide
// which ttys need an autospawned getty.
func activeConsoles(cmdlinePath string) []string {
	data, err := os.ReadFile(cmdlinePath)
	if err != nil {
		return nil
	}
	var out []string
	for _, tok := range strings.Fields(string(data)) {
		if v, ok := strings.CutPrefix(tok, "console="); ok {
			name, _, _ := strings.Cut(v, ",")
			out = append(out, name)
		}
	}
	return out
}

// reapLoop is the dedicated SIGCHLD consumer: it reaps every exited child
// via wait4(WNOHANG), resolves the pid in the PID table — a lookup that
// never takes the RuntimeInfo lock (spec.md §5) — and hands successful
// Service resolutions to the activation engine's restart-policy handler.
func reapLoop(log hclog.Logger, pids *pidtable.Table, engine *activation.Engine) {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		term := pidtable.Termination{
			Exited: status.Exited(),
			Code:   status.ExitStatus(),
		}
		if status.Signaled() {
			term.Signal = int(status.Signal())
		}
		if id, wasService := pids.MarkExited(pid, term); wasService {
			engine.ExitReap(id, term)
		}
		pids.Remove(pid)
	}
}

func watchUnitDirs(ctx context.Context, log hclog.Logger, watcher *fsnotify.Watcher, loader *parser.Loader) {
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			log.Trace("unit directory change detected", "event", ev)
			debounce = time.After(250 * time.Millisecond)
		case <-debounce:
			debounce = nil
			if n, err := loader.LoadAllNew(ctx); err != nil {
				log.Error("automatic reload failed", "err", err)
			} else if n > 0 {
				log.Info("automatic reload applied", "changed", n)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("unit directory watcher error", "err", err)
		}
	}
}

// drainShutdown runs the Shutdown Sequencer (spec.md §4.3/§9) against every
// currently-loaded unit, then waits for the control server to finish.
func drainShutdown(log hclog.Logger, rt *runtimeinfo.RuntimeInfo, engine *activation.Engine, ctlErrCh <-chan error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdown.Sequence(stopCtx, log, rt, engine, 10*time.Second)

	select {
	case <-ctlErrCh:
	case <-time.After(2 * time.Second):
	}
	return nil
}
