// Command portalgate is the terminal companion to the server: it drives
// the same manager directly, which makes it handy for checking the
// portal, performing a login with a CAPTCHA prompt in the terminal, and
// inspecting stored sessions.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/portalgate/internal/config"
	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/login"
	"github.com/shehryarbajwa/portalgate/internal/oplog"
	"github.com/shehryarbajwa/portalgate/internal/session"
	"github.com/shehryarbajwa/portalgate/internal/store"
	"github.com/shehryarbajwa/portalgate/pkg/models"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles everything a command needs, built lazily so commands
// like "sessions list" don't pay for a browser runtime.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	oplog    *oplog.Log
	launcher *driver.Launcher
	mgr      *session.Manager
}

func openRuntime(withBrowser bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	rt := &runtime{cfg: cfg, logger: logger}
	if rt.store, err = store.Open(cfg.SessionDBPath, logger); err != nil {
		return nil, err
	}
	if rt.oplog, err = oplog.Open(cfg.OplogPath); err != nil {
		rt.store.Close()
		return nil, err
	}
	if withBrowser {
		if rt.launcher, err = driver.NewLauncher(cfg, logger); err != nil {
			rt.close()
			return nil, err
		}
	}
	rt.mgr = session.NewManager(cfg, rt.launcher, rt.store, rt.oplog, logger)
	return rt, nil
}

func (rt *runtime) close() {
	if rt.mgr != nil {
		rt.mgr.Close()
	}
	if rt.launcher != nil {
		rt.launcher.Close()
	}
	if rt.oplog != nil {
		rt.oplog.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portalgate",
		Short:         "Portal login automation from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(checkCmd(), loginCmd(), sessionsCmd(), cleanupCmd())
	return root
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the portal's login surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.close()

			health, err := rt.mgr.PortalHealth(cmd.Context())
			if err != nil {
				return err
			}
			if !health.Reachable {
				return fmt.Errorf("portal unreachable: %s", health.Error)
			}
			fmt.Printf("portal reachable: %s (%s)\n", health.URL, health.Title)
			fmt.Printf("  username field: %v\n", health.UsernameField)
			fmt.Printf("  password field: %v\n", health.PasswordField)
			fmt.Printf("  captcha:        %v\n", health.CaptchaPresent)
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var username, password string
	var manual, assisted bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the portal and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			switch {
			case manual:
				fmt.Println("complete the login in the browser window...")
				return report(rt.mgr.ManualLogin(ctx))
			case assisted:
				if username == "" || password == "" {
					return fmt.Errorf("--username and --password are required")
				}
				fmt.Println("credentials filled; finish the captcha and submit in the browser...")
				return report(rt.mgr.AssistedLogin(ctx, login.Credentials{Username: username, Password: password}))
			default:
				if username == "" || password == "" {
					return fmt.Errorf("--username and --password are required")
				}
				return interactiveLogin(ctx, rt, username, password)
			}
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", os.Getenv("PORTAL_USERNAME"), "portal username")
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("PORTAL_PASSWORD"), "portal password")
	cmd.Flags().BoolVar(&manual, "manual", false, "open the form and let a human complete it entirely")
	cmd.Flags().BoolVar(&assisted, "assisted", false, "fill credentials, let a human finish captcha and submit")
	return cmd
}

// interactiveLogin drives the handshake, prompting on the terminal for
// each CAPTCHA round.
func interactiveLogin(ctx context.Context, rt *runtime, username, password string) error {
	resp, err := rt.mgr.Login(ctx, models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	for resp.Status == models.StatusCaptchaRequired {
		path, err := saveChallenge(rt.cfg.DataDir, resp.AttemptID, resp.CaptchaImage)
		if err != nil {
			return err
		}
		fmt.Printf("captcha image written to %s\n", path)
		fmt.Print("captcha answer (empty to abort): ")
		answer, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return fmt.Errorf("login aborted")
		}

		resp, err = rt.mgr.Login(ctx, models.LoginRequest{AttemptID: resp.AttemptID, CaptchaAnswer: answer})
		if err != nil {
			return err
		}
	}
	return report(resp, nil)
}

func saveChallenge(dir, attemptID, encoded string) (string, error) {
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("captcha-%s.png", attemptID))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func report(resp *models.LoginResponse, err error) error {
	if err != nil {
		return err
	}
	switch resp.Status {
	case models.StatusVerified:
		fmt.Printf("verified: session %s, expires %s\n", resp.SessionID, resp.ExpiresAt.Format(time.RFC3339))
		return nil
	default:
		return fmt.Errorf("login %s: %s", resp.Status, resp.Reason)
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.close()

			summaries, err := rt.mgr.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMETHOD\tCREATED\tEXPIRES\tSTATE")
			for _, s := range summaries {
				state := "active"
				if s.Expired {
					state = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.LoginMethod,
					s.CreatedAt.Format(time.RFC3339),
					s.ExpiresAt.Format(time.RFC3339),
					state)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "test [id|latest]",
		Short: "Restore a stored session and validate it against the portal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "latest"
			if len(args) == 1 {
				id = args[0]
			}
			rt, err := openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.close()

			resp, err := rt.mgr.RestoreSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			if resp.Status != models.RestoreOK {
				return fmt.Errorf("restore %s: %s %s", id, resp.Status, resp.Reason)
			}
			fmt.Printf("session %s restored and validated\n", resp.SessionID)
			return nil
		},
	})

	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired session records",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.close()

			removed, err := rt.mgr.CleanupExpired()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired session(s)\n", removed)
			return nil
		},
	}
}
