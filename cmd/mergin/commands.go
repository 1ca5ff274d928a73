package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lutraconsulting/mergin-go/internal/client/config"
	"github.com/lutraconsulting/mergin-go/internal/client/sync"
	"github.com/lutraconsulting/mergin-go/internal/merginsdk"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the auth token in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}

		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			fmt.Print("Password: ")
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				password = strings.TrimSpace(scanner.Text())
			}
		}

		resp, err := merginsdk.Login(cmd.Context(), cfg.ApiRoot, args[0], password)
		if err != nil {
			return err
		}

		cfg.Username = args[0]
		cfg.AuthToken = resp.Token
		if err := cfg.Save(cfg.Path); err != nil {
			return err
		}

		fmt.Printf("%s logged in as %s\n", green("ok:"), cyan(args[0]))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects available on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg)
		defer client.Close()

		search, _ := cmd.Flags().GetString("search")
		entries, err := client.ListProjects(cmd.Context(), &merginsdk.ListProjectsParams{Search: search})
		if err != nil {
			return err
		}

		for _, e := range entries {
			fmt.Printf("%s/%s\tv%d\t%s\n", e.Namespace, cyan(e.Name), e.Version, e.Updated)
		}
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <namespace/name>",
	Short: "Download a project, or update it to the latest server version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, client, err := newManager()
		if err != nil {
			return err
		}
		defer client.Close()

		ns, name, err := sync.SplitFullName(args[0])
		if err != nil {
			return err
		}

		dir, err := mgr.UpdateProject(cmd.Context(), ns, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s -> %s\n", green("ok:"), args[0], dir)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <namespace/name>",
	Short: "Upload local changes (pulls remote changes first)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, client, err := newManager()
		if err != nil {
			return err
		}
		defer client.Close()

		ns, name, err := sync.SplitFullName(args[0])
		if err != nil {
			return err
		}

		dir, err := mgr.UploadProject(cmd.Context(), ns, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s synced (%s)\n", green("ok:"), args[0], dir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <namespace/name>",
	Short: "Show pending local and remote changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg)
		defer client.Close()

		ns, name, err := sync.SplitFullName(args[0])
		if err != nil {
			return err
		}

		dir, err := sync.FindProjectDir(cfg.DataDir, ns, name)
		if err != nil {
			return err
		}
		if dir == "" {
			return fmt.Errorf("project %s is not downloaded yet", args[0])
		}

		baseline, err := sync.ReadBaseline(dir)
		if err != nil {
			return err
		}

		remote, err := client.GetProjectInfo(cmd.Context(), ns, name, baseline.Version)
		if err != nil {
			return err
		}

		local, err := sync.Scan(dir)
		if err != nil {
			return err
		}

		var localSize int64
		for _, f := range local {
			localSize += f.Size
		}

		diff := sync.Diff(baseline.Files, remote.Files, local)
		fmt.Printf("%s at v%d, server at v%d, %d files (%s) on disk\n",
			cyan(args[0]), baseline.Version, remote.Version, len(local), humanize.Bytes(uint64(localSize)))
		fmt.Println(diff.String())
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check server reachability and API compatibility",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg)
		defer client.Close()

		resp, err := client.Ping(cmd.Context())
		if err != nil {
			return err
		}

		status := merginsdk.CheckServerVersion(resp.Version)
		fmt.Printf("server %s (%s): %s\n", cfg.ApiRoot, resp.Version, status)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("password", "", "password (read from stdin when omitted)")
	listCmd.Flags().String("search", "", "filter projects by name")
}

// newManager wires a sync manager with a progress-printing notifier.
func newManager() (*config.Config, *sync.Manager, *merginsdk.Client, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	client := newClient(cfg)
	mgr := sync.NewManager(client, cfg.DataDir, sync.WithNotifier(&cliNotifier{}))
	return cfg, mgr, client, nil
}

// cliNotifier prints sync lifecycle events to the terminal.
type cliNotifier struct {
	lastPct int
}

func (n *cliNotifier) SyncProjectStatusChanged(project string, progress float64) {
	pct := int(progress * 100)
	if pct != n.lastPct {
		n.lastPct = pct
		fmt.Printf("\r%s %3d%%", project, pct)
		if pct >= 100 {
			fmt.Println()
		}
	}
}

func (n *cliNotifier) SyncProjectFinished(dir, project string, success bool) {
	if !success {
		fmt.Printf("%s sync of %s failed\n", red("error:"), project)
	}
}

func (n *cliNotifier) ReloadProject(dir string) {}
func (n *cliNotifier) Notify(msg string)        { fmt.Println(msg) }

func (n *cliNotifier) PullFilesStarted() { fmt.Println("downloading files...") }
func (n *cliNotifier) PushFilesStarted() { fmt.Println("uploading files...") }

func (n *cliNotifier) NetworkErrorOccurred(msg, detail string, dialog bool) {
	fmt.Printf("%s %s: %s\n", red("error:"), msg, detail)
}
