package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fwdctl/internal/config"
	"fwdctl/internal/forwarding"
	"fwdctl/internal/kube"
	"fwdctl/internal/reporting"
	"fwdctl/internal/session"
	"fwdctl/pkg/logging"
)

func newRunCmd() *cobra.Command {
	var (
		pod        string
		namespace  string
		kubeCtx    string
		container  string
		localPort  int
		remotePort int
		name       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start configured port-forwards and supervise them until interrupted",
		Long: `Starts every enabled forward from the configuration file (or a single
ad-hoc forward given with --pod and --remote) and keeps them running,
printing a status line for every session state change. Press Ctrl-C to
stop all sessions and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			level := cfg.Settings.LogLevel
			if logLevel != "" {
				level = logLevel
			}
			logging.Init(logging.ParseLevel(level), cmd.ErrOrStderr())

			forwards := adHocOrConfigured(cfg, pod, namespace, kubeCtx, container, localPort, remotePort, name)
			if len(forwards) == 0 {
				return fmt.Errorf("nothing to forward: no enabled forwards in config and no --pod given")
			}

			// A bad kubeconfig context fails every spawn with a confusing
			// kubectl error, so check up front and warn.
			for _, fwd := range forwards {
				if err := kube.ValidateContext(fwd.Context); err != nil {
					logging.Warn("Run", "Context check for forward %s: %v", fwd.Name, err)
				}
			}

			reg := session.NewRegistry(forwarding.NewKubectlDriver(), session.Options{
				ConnectTimeout:  cfg.Settings.ConnectTimeout.Std(),
				StopGracePeriod: cfg.Settings.StopGracePeriod.Std(),
				StartPort:       cfg.Settings.StartPort,
				BindAddress:     cfg.Settings.BindAddress,
			})
			defer reg.Close()

			out := cmd.OutOrStdout()
			unsubscribe := reg.Subscribe(func(ev reporting.SessionEvent) {
				fmt.Fprintln(out, renderEvent(ev))
			})
			defer unsubscribe()

			started := 0
			for _, fwd := range forwards {
				spec := session.Spec{
					Name: fwd.Name,
					Target: session.Target{
						PodName:   fwd.Pod,
						Namespace: fwd.Namespace,
						Context:   fwd.Context,
						Container: fwd.Container,
					},
					LocalPort:   fwd.LocalPort,
					RemotePort:  fwd.RemotePort,
					BindAddress: fwd.BindAddress,
				}
				if _, err := reg.Start(cmd.Context(), spec); err != nil {
					logging.Error("Run", err, "Failed to start forward %s", fwd.Name)
					fmt.Fprintln(out, renderStartFailure(fwd.Name, err))
					continue
				}
				started++
			}
			if started == 0 {
				return fmt.Errorf("no forward could be started")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Fprintln(out, "Shutting down...")
			reg.StopAll()
			return nil
		},
	}

	cmd.Flags().StringVar(&pod, "pod", "", "pod to forward to (ad-hoc forward, bypasses config)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "namespace of the pod")
	cmd.Flags().StringVar(&kubeCtx, "context", "", "kubeconfig context to use (default: current context)")
	cmd.Flags().StringVar(&container, "container", "", "container name, for pods with multiple port-owning containers")
	cmd.Flags().IntVar(&localPort, "local", 0, "local port (0 picks the first free port)")
	cmd.Flags().IntVar(&remotePort, "remote", 0, "remote port on the pod (required with --pod)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the ad-hoc forward (default: pod name)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")

	return cmd
}

// adHocOrConfigured returns the single flag-defined forward when --pod is
// set, otherwise the enabled forwards from the configuration.
func adHocOrConfigured(cfg config.Config, pod, namespace, kubeCtx, container string, localPort, remotePort int, name string) []config.ForwardDefinition {
	if pod != "" {
		if name == "" {
			name = pod
		}
		return []config.ForwardDefinition{{
			Name:       name,
			Pod:        pod,
			Namespace:  namespace,
			Context:    kubeCtx,
			Container:  container,
			LocalPort:  localPort,
			RemotePort: remotePort,
		}}
	}

	var enabled []config.ForwardDefinition
	for _, fwd := range cfg.Forwards {
		if fwd.Enabled() {
			enabled = append(enabled, fwd)
		}
	}
	return enabled
}
